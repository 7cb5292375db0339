package config

import (
	"flag"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/filevault/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   address and port of the server's gRPC endpoint
//	-t string   access token
//	-k string   chunk size, e.g. "1MiB"
//
// Only these flags are taken from os.Args (see flagx.FilterArgs); the rest
// are left for the command itself.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-k"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
	fs.Func("k", "chunk size", func(s string) error {
		n, err := humanize.ParseBytes(s)
		if err == nil {
			cfg.ChunkSize = int64(n)
		}
		return err
	})

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
