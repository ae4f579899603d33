package myenergi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/raterudder/myenergi/pkg/log"
)

// DeviceKind is the category of a hub attached unit. Its value is the key
// used for that kind in status responses.
type DeviceKind string

const (
	KindCharger  DeviceKind = "zappi"
	KindMonitor  DeviceKind = "harvi"
	KindDiverter DeviceKind = "eddi"
)

// Code returns the one-letter filter the API uses for this kind. It is also
// the prefix used when displaying serials.
func (k DeviceKind) Code() string {
	switch k {
	case KindCharger:
		return "Z"
	case KindMonitor:
		return "H"
	case KindDiverter:
		return "E"
	}
	return ""
}

// ParseDeviceKind accepts either the kind name or its one-letter code.
func ParseDeviceKind(s string) (DeviceKind, error) {
	for _, k := range []DeviceKind{KindCharger, KindMonitor, KindDiverter} {
		if strings.EqualFold(s, string(k)) || strings.EqualFold(s, k.Code()) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown device kind: %s", s)
}

// GeneratorType is the source kind of a generator slot.
type GeneratorType string

const (
	GeneratorHarvi   GeneratorType = "harvi"
	GeneratorBattery GeneratorType = "battery"
	GeneratorSolar   GeneratorType = "solar"
	GeneratorOverall GeneratorType = "overall"
	GeneratorGrid    GeneratorType = "grid"
	GeneratorHome    GeneratorType = "home"
	GeneratorEddi    GeneratorType = "eddi"
	GeneratorZappi   GeneratorType = "zappi"
)

// Label returns the descriptive name of the source, e.g. grid-power for the
// grid code.
func (t GeneratorType) Label() string {
	switch t {
	case GeneratorSolar:
		return "solar-panel"
	case GeneratorGrid:
		return "grid-power"
	}
	return string(t)
}

func parseGeneratorType(code string) (GeneratorType, error) {
	switch t := GeneratorType(strings.ToLower(code)); t {
	case GeneratorHarvi, GeneratorBattery, GeneratorSolar, GeneratorOverall,
		GeneratorGrid, GeneratorHome, GeneratorEddi, GeneratorZappi:
		return t, nil
	}
	return "", &UnrecognizedDeviceKindError{Code: code}
}

// Generator is a power source or sink attached to a device.
type Generator struct {
	Type  GeneratorType `json:"type" yaml:"type"`
	Power float64       `json:"power" yaml:"power"`
}

// Device is the read interface shared by every kind of unit behind a hub.
type Device interface {
	Serial() int64
	Kind() DeviceKind
	LastUpdated() time.Time
	Generators() []Generator
	// Hub returns the hub that discovered the device or nil if that hub has
	// since been released.
	Hub() *Hub
	Snapshot() Snapshot
	String() string

	update(ctx context.Context, raw json.RawMessage) error
}

// Snapshot is a point in time copy of a device's state.
type Snapshot struct {
	Kind        DeviceKind    `json:"kind" yaml:"kind"`
	Serial      int64         `json:"serial" yaml:"serial"`
	Name        string        `json:"name" yaml:"name"`
	LastUpdated time.Time     `json:"lastUpdated" yaml:"lastUpdated"`
	Generators  []Generator   `json:"generators" yaml:"generators"`
	Charger     *ChargerState `json:"charger,omitempty" yaml:"charger,omitempty"`
}

// device holds the fields common to every kind. mu guards everything below
// it.
type device struct {
	serial int64
	kind   DeviceKind
	hub    weak.Pointer[Hub]

	mu          sync.RWMutex
	lastUpdated time.Time
	generators  []Generator
}

func (d *device) init(kind DeviceKind, serial int64, hub weak.Pointer[Hub]) {
	d.kind = kind
	d.serial = serial
	d.hub = hub
}

func (d *device) Serial() int64 {
	return d.serial
}

func (d *device) Kind() DeviceKind {
	return d.kind
}

func (d *device) Hub() *Hub {
	return d.hub.Value()
}

func (d *device) String() string {
	return d.kind.Code() + strconv.FormatInt(d.serial, 10)
}

func (d *device) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastUpdated
}

func (d *device) Generators() []Generator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Generator(nil), d.generators...)
}

func (d *device) snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Kind:        d.kind,
		Serial:      d.serial,
		Name:        d.kind.Code() + strconv.FormatInt(d.serial, 10),
		LastUpdated: d.lastUpdated,
		Generators:  append([]Generator{}, d.generators...),
	}
}

const (
	vendorDateTimeLayout = "02-01-2006T15:04:05"
	generatorSlots       = 5
)

// rawDevice holds the keys every device record carries. Required keys are
// pointers so their absence can be detected.
type rawDevice struct {
	Serial *int64   `json:"sno"`
	Date   *string  `json:"dat"`
	Time   *string  `json:"tim"`
	ECTT1  *string  `json:"ectt1"`
	ECTT2  *string  `json:"ectt2"`
	ECTT3  *string  `json:"ectt3"`
	ECTT4  *string  `json:"ectt4"`
	ECTT5  *string  `json:"ectt5"`
	ECTP1  *float64 `json:"ectp1"`
	ECTP2  *float64 `json:"ectp2"`
	ECTP3  *float64 `json:"ectp3"`
	ECTP4  *float64 `json:"ectp4"`
	ECTP5  *float64 `json:"ectp5"`
}

func (r rawDevice) slot(n int) (*string, *float64) {
	switch n {
	case 1:
		return r.ECTT1, r.ECTP1
	case 2:
		return r.ECTT2, r.ECTP2
	case 3:
		return r.ECTT3, r.ECTP3
	case 4:
		return r.ECTT4, r.ECTP4
	case 5:
		return r.ECTT5, r.ECTP5
	}
	return nil, nil
}

// baseState is the decoded form of rawDevice.
type baseState struct {
	lastUpdated time.Time
	generators  []Generator
}

// parseTimestamp combines the vendor's DD-MM-YYYY date and HH:MM:SS time,
// both of which are UTC.
func parseTimestamp(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(vendorDateTimeLayout, date+"T"+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q %q: %w", date, clock, err)
	}
	return t, nil
}

// decodeBase decodes the common fields. Generator slots that can't be
// decoded are logged and skipped.
func decodeBase(ctx context.Context, r rawDevice) (baseState, error) {
	if r.Date == nil {
		return baseState{}, &MissingFieldError{Field: "dat"}
	}
	if r.Time == nil {
		return baseState{}, &MissingFieldError{Field: "tim"}
	}
	ts, err := parseTimestamp(*r.Date, *r.Time)
	if err != nil {
		return baseState{}, err
	}

	generators := []Generator{}
	for n := 1; n <= generatorSlots; n++ {
		code, power := r.slot(n)
		if code == nil {
			continue
		}
		switch strings.ToLower(*code) {
		case "none", "internal load":
			continue
		}
		gt, err := parseGeneratorType(*code)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping unsupported generator", slog.Int("slot", n), slog.Any("error", err))
			continue
		}
		g := Generator{Type: gt}
		if power != nil {
			g.Power = *power
		}
		generators = append(generators, g)
	}

	return baseState{lastUpdated: ts, generators: generators}, nil
}

func (d *device) apply(s baseState) {
	d.lastUpdated = s.lastUpdated
	d.generators = s.generators
}

// Monitor is a current-transformer monitor (harvi).
type Monitor struct {
	device
}

func newMonitor(serial int64, hub weak.Pointer[Hub]) Device {
	m := &Monitor{}
	m.init(KindMonitor, serial, hub)
	return m
}

func (m *Monitor) Snapshot() Snapshot {
	return m.snapshot()
}

func (m *Monitor) update(ctx context.Context, raw json.RawMessage) error {
	var r rawDevice
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("failed to decode harvi record: %w", err)
	}
	s, err := decodeBase(ctx, r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.apply(s)
	m.mu.Unlock()
	return nil
}

// Diverter is a solar diverter (eddi). Only the common fields are decoded.
type Diverter struct {
	device
}

func newDiverter(serial int64, hub weak.Pointer[Hub]) Device {
	d := &Diverter{}
	d.init(KindDiverter, serial, hub)
	return d
}

func (d *Diverter) Snapshot() Snapshot {
	return d.snapshot()
}

func (d *Diverter) update(ctx context.Context, raw json.RawMessage) error {
	var r rawDevice
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("failed to decode eddi record: %w", err)
	}
	s, err := decodeBase(ctx, r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.apply(s)
	d.mu.Unlock()
	return nil
}
