package myenergi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"weak"

	"github.com/raterudder/myenergi/pkg/log"
)

// StalePolicy decides what happens to devices that stop appearing in
// successful responses.
type StalePolicy int

const (
	// StaleRetain keeps devices forever once seen.
	StaleRetain StalePolicy = iota
	// StaleEvict drops devices missing from a successful response.
	StaleEvict
)

func (p StalePolicy) String() string {
	if p == StaleEvict {
		return "evict"
	}
	return "retain"
}

// ParseStalePolicy parses "retain" or "evict".
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch strings.ToLower(s) {
	case "", "retain":
		return StaleRetain, nil
	case "evict":
		return StaleEvict, nil
	}
	return 0, fmt.Errorf("unknown stale device policy: %s", s)
}

// Registry tracks every device of one kind by serial.
type Registry struct {
	kind      DeviceKind
	policy    StalePolicy
	hub       weak.Pointer[Hub]
	newDevice func(serial int64, hub weak.Pointer[Hub]) Device

	mu      sync.Mutex
	devices map[int64]Device
}

func newRegistry(kind DeviceKind, policy StalePolicy, hub weak.Pointer[Hub]) *Registry {
	r := &Registry{
		kind:    kind,
		policy:  policy,
		hub:     hub,
		devices: make(map[int64]Device),
	}
	switch kind {
	case KindCharger:
		r.newDevice = newCharger
	case KindMonitor:
		r.newDevice = newMonitor
	case KindDiverter:
		r.newDevice = newDiverter
	default:
		panic(fmt.Sprintf("no device constructor for kind %s", kind))
	}
	return r
}

// ParseAndMerge decodes each record and updates the matching device in
// place, creating it on first sighting. It always returns the full set of
// known devices for the kind sorted by serial. Records that fail to decode
// are skipped and their errors joined into the returned error. A record that
// fails leaves its existing device untouched.
func (r *Registry) ParseAndMerge(ctx context.Context, records []json.RawMessage) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]struct{}, len(records))
	var errs []error
	for i, rec := range records {
		var id struct {
			Serial *int64 `json:"sno"`
		}
		if err := json.Unmarshal(rec, &id); err != nil {
			errs = append(errs, &RecordError{Kind: r.kind, Index: i, Err: err})
			continue
		}
		if id.Serial == nil {
			errs = append(errs, &RecordError{Kind: r.kind, Index: i, Err: &MissingFieldError{Field: "sno"}})
			continue
		}
		serial := *id.Serial

		d, known := r.devices[serial]
		if known {
			// it still exists even if this record is bad
			seen[serial] = struct{}{}
		} else {
			d = r.newDevice(serial, r.hub)
		}
		if err := d.update(ctx, rec); err != nil {
			errs = append(errs, &RecordError{Kind: r.kind, Index: i, Serial: serial, Err: err})
			continue
		}
		seen[serial] = struct{}{}
		if !known {
			r.devices[serial] = d
			log.Ctx(ctx).InfoContext(ctx, "discovered device", slog.String("device", d.String()))
		}
	}

	if r.policy == StaleEvict {
		for serial, d := range r.devices {
			if _, ok := seen[serial]; !ok {
				delete(r.devices, serial)
				log.Ctx(ctx).InfoContext(ctx, "evicted stale device", slog.String("device", d.String()))
			}
		}
	}

	return r.sorted(), errors.Join(errs...)
}

// Devices returns the known devices sorted by serial.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted()
}

// Get returns the device with the given serial.
func (r *Registry) Get(serial int64) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[serial]
	return d, ok
}

func (r *Registry) sorted() []Device {
	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Serial() < list[j].Serial()
	})
	return list
}
