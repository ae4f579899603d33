package myenergi

import (
	"encoding/json"
	"log/slog"
	"maps"
	"testing"
	"weak"

	"github.com/stretchr/testify/require"

	"github.com/raterudder/myenergi/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// zappiRecord returns a realistic charger record with overrides applied. A
// nil override value removes the key.
func zappiRecord(t *testing.T, overrides map[string]any) json.RawMessage {
	t.Helper()
	rec := map[string]any{
		"sno":   12345678,
		"dat":   "07-10-2019",
		"tim":   "21:04:29",
		"ectp1": -2,
		"ectp2": 0,
		"ectp3": 450,
		"ectt1": "Internal Load",
		"ectt2": "None",
		"ectt3": "Grid",
		"frq":   50.04,
		"pha":   1,
		"pri":   1,
		"sta":   1,
		"pst":   "B2",
		"vol":   2418,
		"che":   7.51,
		"cmt":   254,
		"div":   0,
		"mgl":   50,
		"sbh":   17,
		"sbm":   30,
		"sbk":   5,
		"tbk":   5,
		"zmo":   3,
		"fwv":   "3560S3.054",
	}
	maps.Copy(rec, overrides)
	for k, v := range rec {
		if v == nil {
			delete(rec, k)
		}
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return b
}

func harviRecord(t *testing.T, serial int64) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"sno":   serial,
		"dat":   "07-10-2019",
		"tim":   "21:04:30",
		"ectp1": 1200,
		"ectp2": -300,
		"ectt1": "Generation",
		"ectt2": "Solar",
		"ectt3": "None",
	})
	require.NoError(t, err)
	return b
}

func nilHub() weak.Pointer[Hub] {
	return weak.Pointer[Hub]{}
}
