package config

import (
	"flag"
	"io"
	"os"

	"github.com/dmitrijs2005/filevault/internal/flagx"
)

var serverFlags = []string{"-a", "-g", "-d", "-s", "-l", "-m", "-u", "-p", "-b", "-r", "-e", "-z", "-q", "-t", "-o", "-w"}

// parseFlags overlays the short command-line flags:
//
//	-a  HTTP bind address         -g  gRPC bind address
//	-d  PostgreSQL DSN            -s  JWT secret
//	-l  log level                 -m  storage driver (s3|minio|memory)
//	-u  S3 user                   -p  S3 password
//	-b  S3 bucket                 -r  S3 region
//	-e  S3 endpoint               -z  part size ("8MiB")
//	-q  default quota ("2GiB")    -t  max link ttl ("168h")
//	-o  delivery mode             -w  public base URL
func parseFlags(config *Config) error {
	args := flagx.FilterArgs(os.Args[1:], serverFlags)

	fs := flag.NewFlagSet("filevault", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "gRPC address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.StorageDriver, "m", config.StorageDriver, "storage driver")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "r", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 endpoint")
	fs.Func("z", "multipart part size", func(s string) error {
		n, err := parseBytes(s)
		if err == nil {
			config.PartSize = n
		}
		return err
	})
	fs.Func("q", "default user quota", func(s string) error {
		n, err := parseBytes(s)
		if err == nil {
			config.DefaultQuota = n
		}
		return err
	})
	fs.DurationVar(&config.MaxLinkTTL, "t", config.MaxLinkTTL, "max temporary link ttl")
	fs.StringVar(&config.DeliveryMode, "o", config.DeliveryMode, "delivery mode")
	fs.StringVar(&config.PublicBaseURL, "w", config.PublicBaseURL, "public base URL")

	return fs.Parse(args)
}
