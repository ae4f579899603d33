package myenergi

import (
	"testing"

	"github.com/levenlabs/go-lflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configure(t *testing.T, values lflag.SourceStub) *Hub {
	t.Helper()
	lflag.Reset()
	t.Cleanup(lflag.Reset)
	h := Configured()
	lflag.Parse(values)
	return h
}

func TestConfigured(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		h := configure(t, lflag.SourceStub{
			"myenergi-serial":   "10000001",
			"myenergi-password": "secret",
		})
		assert.Equal(t, "myenergi-10000001", h.String())
		assert.Equal(t, 2, cap(h.transport.workers))
		assert.Equal(t, DefaultAPIRoot, h.transport.apiRoot)
	})

	t.Run("Workers", func(t *testing.T) {
		h := configure(t, lflag.SourceStub{
			"myenergi-serial":   "10000001",
			"myenergi-password": "secret",
			"myenergi-workers":  "5",
		})
		require.NotNil(t, h.transport)
		assert.Equal(t, 5, cap(h.transport.workers))
	})

	t.Run("Invalid Workers", func(t *testing.T) {
		for _, v := range []string{"0", "-1", "two"} {
			assert.Panics(t, func() {
				configure(t, lflag.SourceStub{
					"myenergi-serial":   "10000001",
					"myenergi-password": "secret",
					"myenergi-workers":  v,
				})
			}, v)
		}
	})

	t.Run("Invalid Stale Policy", func(t *testing.T) {
		assert.Panics(t, func() {
			configure(t, lflag.SourceStub{
				"myenergi-serial":        "10000001",
				"myenergi-password":      "secret",
				"myenergi-stale-devices": "forget",
			})
		})
	})
}
