package flagx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	serverFlags := []string{"-a", "-g", "-d", "-z", "-o"}
	clientFlags := []string{"-a", "-t", "-k"}

	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "server layer ignores config path",
			args:    []string{"-c", "cfg.json", "-a", ":8080", "-z", "8MiB"},
			allowed: serverFlags,
			want:    []string{"-a", ":8080", "-z", "8MiB"},
		},
		{
			name:    "client layer keeps only its flags and drops the file argument",
			args:    []string{"-t", "tok", "-d", "postgres://x", "-k", "1MiB", "movie.mkv"},
			allowed: clientFlags,
			want:    []string{"-t", "tok", "-k", "1MiB"},
		},
		{
			name:    "token subcommand words are not flags",
			args:    []string{"token", "u1", "Alice", "-d", "memory"},
			allowed: serverFlags,
			want:    []string{"-d", "memory"},
		},
		{
			name:    "equals form",
			args:    []string{"-o=redirect", "-x=1"},
			allowed: serverFlags,
			want:    []string{"-o=redirect"},
		},
		{
			name:    "trailing flag without value",
			args:    []string{"-t"},
			allowed: clientFlags,
			want:    []string{"-t"},
		},
		{
			name:    "next flag is never consumed as a value",
			args:    []string{"-a", "-k", "64KiB"},
			allowed: clientFlags,
			want:    []string{"-a", "-k", "64KiB"},
		},
		{
			name:    "repeated flag kept in order",
			args:    []string{"-a", ":1", "-a", ":2"},
			allowed: serverFlags,
			want:    []string{"-a", ":1", "-a", ":2"},
		},
		{
			name:    "empty args",
			args:    nil,
			allowed: serverFlags,
			want:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterArgs(tt.args, tt.allowed))
		})
	}
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"short with value", []string{"-c", "/etc/filevault/short.json"}, "/etc/filevault/short.json"},
		{"long with value", []string{"-config", "/etc/filevault/long.json"}, "/etc/filevault/long.json"},
		{"equals form", []string{"-config=/tmp/eq.json", "-a", ":8080"}, "/tmp/eq.json"},
		{"unknown flags ignored", []string{"-x", "1", "-y", "2"}, ""},
		{"last wins", []string{"-c", "/a.json", "-config", "/b.json"}, "/b.json"},
		{"missing value", []string{"-c"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConfigPath(tt.args))
		})
	}
}

func TestJsonConfigFlags_ReadsOSArgs(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"filevault", "-d", "dsn", "-c", "/srv/cfg.json"}
	assert.Equal(t, "/srv/cfg.json", JsonConfigFlags())
}
