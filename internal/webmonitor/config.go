package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr           string
	AssetsDir      string // Optional directory overriding the embedded assets
	Title          string
	StatusInterval time.Duration
	DisplayWidth   int
	DisplayHeight  int
}

// DefaultConfig returns the built-in server settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		Title:          "Traffic Overlay Monitor",
		StatusInterval: 2 * time.Second,
		DisplayWidth:   1280,
		DisplayHeight:  720,
	}
}
