package poller

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/myenergi/pkg/myenergi"
)

// Configured registers the scheduler flags and returns a Scheduler polling f
// that is configured once flags are parsed.
func Configured(f Fetcher) *Scheduler {
	def := DefaultConfig()
	s := New(f, def)

	interval := lflag.Duration("poll-interval", def.Interval, "Base interval between polls of the hub")
	timeout := lflag.Duration("poll-timeout", def.Timeout, "Maximum duration of a single poll")
	factor := lflag.String("poll-backoff-factor", strconv.FormatFloat(def.BackoffFactor, 'f', -1, 64), "Exponent applied to the consecutive failure count when backing off")
	kinds := lflag.String("poll-kinds", "zappi,harvi", "Comma-delimited device kinds to poll (zappi, harvi, eddi)")

	lflag.Do(func() {
		cfg := Config{
			Interval: *interval,
			Timeout:  *timeout,
		}
		var err error
		cfg.BackoffFactor, err = strconv.ParseFloat(*factor, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid poll-backoff-factor (%s): %v", *factor, err))
		}
		for _, k := range strings.Split(*kinds, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			kind, err := myenergi.ParseDeviceKind(k)
			if err != nil {
				panic(fmt.Sprintf("invalid poll-kinds: %v", err))
			}
			cfg.Kinds = append(cfg.Kinds, kind)
		}
		if err := cfg.Validate(); err != nil {
			panic(fmt.Sprintf("poller config validation failed: %v", err))
		}
		s.cfg = cfg
	})

	return s
}
