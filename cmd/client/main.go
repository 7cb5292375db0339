package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dmitrijs2005/filevault/internal/client/cli"
	"github.com/dmitrijs2005/filevault/internal/client/config"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := fileArg(os.Args[1:])
	if path == "" {
		fmt.Fprintf(os.Stderr, "usage: %s [-a addr] [-t token] [-k chunk] [-c config.json] <file>\n", os.Args[0])
		os.Exit(2)
	}

	cfg := config.LoadConfig()
	app, err := cli.NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx, path); err != nil {
		log.Fatalf("%v", err)
	}

}

// fileArg returns the last argument when it is not a flag or a flag value.
func fileArg(args []string) string {
	n := len(args)
	if n == 0 || strings.HasPrefix(args[n-1], "-") {
		return ""
	}
	if n > 1 && strings.HasPrefix(args[n-2], "-") && !strings.Contains(args[n-2], "=") {
		return ""
	}
	return args[n-1]
}
