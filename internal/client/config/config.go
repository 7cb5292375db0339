package config

// Config holds runtime settings for the filevault upload client.
//
// Fields:
//   - ServerEndpointAddr: host:port of the server's gRPC endpoint.
//   - AccessToken: bearer token sent with every upload.
//   - ChunkSize: size of each streamed message, in bytes.
type Config struct {
	ServerEndpointAddr string
	AccessToken        string
	ChunkSize          int64
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.ChunkSize = 256 << 10
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
