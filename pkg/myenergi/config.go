package myenergi

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Configured registers the hub flags and returns a Hub that is usable once
// flags are parsed.
func Configured() *Hub {
	h := &Hub{}
	serial := lflag.RequiredString("myenergi-serial", "Serial number of the myenergi hub, used as the digest username")
	password := lflag.RequiredString("myenergi-password", "API key/password for the myenergi hub")
	apiRoot := lflag.String("myenergi-api-root", DefaultAPIRoot, "Root URL of the myenergi API")
	stale := lflag.String("myenergi-stale-devices", "retain", "What to do with devices missing from a poll (retain or evict)")
	workers := lflag.Int("myenergi-workers", 2, "Maximum number of concurrent requests to the myenergi API")
	httpTimeout := lflag.Duration("myenergi-http-timeout", 30*time.Second, "Timeout for a single request to the myenergi API")

	lflag.Do(func() {
		cfg := Config{
			Serial:      *serial,
			Password:    *password,
			APIRoot:     *apiRoot,
			HTTPTimeout: *httpTimeout,
		}

		policy, err := ParseStalePolicy(*stale)
		if err != nil {
			panic(err)
		}
		cfg.StalePolicy = policy

		if *workers < 1 {
			panic(fmt.Sprintf("invalid myenergi-workers: %d", *workers))
		}
		cfg.Workers = *workers

		if err := h.init(cfg); err != nil {
			panic(fmt.Sprintf("myenergi config validation failed: %v", err))
		}
	})

	return h
}
