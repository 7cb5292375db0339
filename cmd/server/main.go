// Command server runs the filevault server. "server token <user-id>
// [display-name]" prints a signed access token for the configured secret
// instead.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dmitrijs2005/filevault/internal/server"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
	"github.com/dmitrijs2005/filevault/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, positional(os.Args[2:])); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}

func printToken(cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s token <user-id> [display-name]", os.Args[0])
	}
	var name string
	if len(args) > 1 {
		name = args[1]
	}
	token, err := auth.GenerateToken(args[0], name, []byte(cfg.SecretKey), cfg.AccessTokenValidityDuration)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// positional returns the arguments before the first flag.
func positional(args []string) []string {
	for i, a := range args {
		if strings.HasPrefix(a, "-") {
			return args[:i]
		}
	}
	return args
}
