package myenergi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"weak"

	"github.com/raterudder/myenergi/pkg/log"
)

// Config holds everything needed to talk to one hub.
type Config struct {
	Serial      string
	Password    string
	APIRoot     string
	StalePolicy StalePolicy
	// Workers bounds how many requests may be in flight at once.
	Workers     int
	HTTPTimeout time.Duration
}

// Validate ensures the configuration is valid.
func (c Config) Validate() error {
	if c.Serial == "" {
		return errors.New("hub serial is required")
	}
	if c.Password == "" {
		return errors.New("hub password is required")
	}
	if c.APIRoot == "" {
		return errors.New("api root is required")
	}
	if _, err := BuildURI(c.APIRoot, "jstatus", nil, nil, ""); err != nil {
		return err
	}
	return nil
}

// Hub is a single myenergi account. It owns one Registry per device kind.
// Fetches of different kinds may run concurrently.
type Hub struct {
	serial     string
	transport  *Transport
	registries map[DeviceKind]*Registry
}

// New returns a Hub for the given configuration.
func New(cfg Config) (*Hub, error) {
	h := &Hub{}
	if err := h.init(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hub) init(cfg Config) error {
	if cfg.APIRoot == "" {
		cfg.APIRoot = DefaultAPIRoot
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	h.serial = cfg.Serial
	h.transport = NewTransport(cfg.APIRoot, cfg.Serial, cfg.Password, cfg.Workers, cfg.HTTPTimeout)
	wp := weak.Make(h)
	h.registries = map[DeviceKind]*Registry{
		KindCharger:  newRegistry(KindCharger, cfg.StalePolicy, wp),
		KindMonitor:  newRegistry(KindMonitor, cfg.StalePolicy, wp),
		KindDiverter: newRegistry(KindDiverter, cfg.StalePolicy, wp),
	}
	return nil
}

func (h *Hub) String() string {
	return "myenergi-" + h.serial
}

// Fetch polls the status of every device of the given kind and merges the
// result into the kind's registry. Records that fail to decode are logged
// and skipped, they don't fail the fetch.
func (h *Hub) Fetch(ctx context.Context, kind DeviceKind) ([]Device, error) {
	reg, ok := h.registries[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported device kind: %s", kind)
	}

	body, err := await(ctx, h.transport.RequestAsync(ctx, Call{
		Command: "jstatus",
		Params:  map[string]string{"id": kind.Code()},
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s status: %w", kind, err)
	}

	records, err := statusRecords(body, kind)
	if err != nil {
		return nil, err
	}

	devices, err := reg.ParseAndMerge(ctx, records)
	if err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"skipped device records",
			slog.String("kind", string(kind)),
			slog.Int("records", len(records)),
			slog.Any("error", err),
		)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched devices", slog.String("kind", string(kind)), slog.Int("count", len(devices)))
	return devices, nil
}

// FetchChargers is Fetch for KindCharger.
func (h *Hub) FetchChargers(ctx context.Context) ([]*Charger, error) {
	devices, err := h.Fetch(ctx, KindCharger)
	if err != nil {
		return nil, err
	}
	chargers := make([]*Charger, 0, len(devices))
	for _, d := range devices {
		chargers = append(chargers, d.(*Charger))
	}
	return chargers, nil
}

// FetchMonitors is Fetch for KindMonitor.
func (h *Hub) FetchMonitors(ctx context.Context) ([]*Monitor, error) {
	devices, err := h.Fetch(ctx, KindMonitor)
	if err != nil {
		return nil, err
	}
	monitors := make([]*Monitor, 0, len(devices))
	for _, d := range devices {
		monitors = append(monitors, d.(*Monitor))
	}
	return monitors, nil
}

// Devices returns the already known devices of a kind without polling.
func (h *Hub) Devices(kind DeviceKind) []Device {
	reg, ok := h.registries[kind]
	if !ok {
		return nil
	}
	return reg.Devices()
}

// Device returns a known device of a kind by serial.
func (h *Hub) Device(kind DeviceKind, serial int64) (Device, bool) {
	reg, ok := h.registries[kind]
	if !ok {
		return nil, false
	}
	return reg.Get(serial)
}

// Charger returns a known charger by serial.
func (h *Hub) Charger(serial int64) (*Charger, bool) {
	d, ok := h.Device(KindCharger, serial)
	if !ok {
		return nil, false
	}
	return d.(*Charger), true
}

// statusRecords pulls the records for kind out of a status response. The
// response is either an object keyed by kind or, when every kind was asked
// for, an array of such objects. A missing kind means no devices.
func statusRecords(body json.RawMessage, kind DeviceKind) ([]json.RawMessage, error) {
	var objects []map[string]json.RawMessage
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &objects); err != nil {
			return nil, fmt.Errorf("failed to decode status response: %w", err)
		}
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode status response: %w", err)
		}
		objects = append(objects, obj)
	}

	var records []json.RawMessage
	for _, obj := range objects {
		raw, ok := obj[string(kind)]
		if !ok {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("failed to decode %s list: %w", kind, err)
		}
		records = append(records, list...)
	}
	return records, nil
}
