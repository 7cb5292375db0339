package config

import (
	"encoding/json"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/filevault/internal/flagx"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. ChunkSize
// is a human-readable size such as "256KiB".
type JsonConfig struct {
	ServerEndpointAddr string `json:"server_endpoint_addr"`
	AccessToken        string `json:"access_token"`
	ChunkSize          string `json:"chunk_size"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// -c or -config. Empty JSON fields leave the current values in place.
// It panics on read, unmarshal or size errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerEndpointAddr != "" {
		cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	}
	if jc.AccessToken != "" {
		cfg.AccessToken = jc.AccessToken
	}
	if jc.ChunkSize != "" {
		n, err := humanize.ParseBytes(jc.ChunkSize)
		if err != nil {
			panic(err)
		}
		cfg.ChunkSize = int64(n)
	}
}
