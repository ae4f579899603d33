package server

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/raterudder/myenergi/pkg/log"
	"github.com/raterudder/myenergi/pkg/myenergi"
	"github.com/raterudder/myenergi/pkg/poller"
)

// View is the rendered state of a single entity.
type View struct {
	ID         string              `json:"id"`
	Device     string              `json:"device"`
	Kind       myenergi.DeviceKind `json:"kind"`
	Name       string              `json:"name"`
	State      any                 `json:"state"`
	Unit       string              `json:"unit,omitempty"`
	Attributes map[string]any      `json:"attributes,omitempty"`
	Rendered   time.Time           `json:"rendered"`
}

type renderFunc func(d myenergi.Device, v *View)

// entity caches the last rendered view of one aspect of a device.
type entity struct {
	id     string
	name   string
	device myenergi.Device
	render renderFunc

	mu   sync.Mutex
	view View
}

// Refresh re-renders the entity from its device.
func (e *entity) Refresh(ctx context.Context) {
	v := View{
		ID:       e.id,
		Device:   e.device.String(),
		Kind:     e.device.Kind(),
		Name:     e.name,
		Rendered: time.Now(),
	}
	e.render(e.device, &v)

	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
}

func (e *entity) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Entities creates and holds the presentation entities for every device the
// scheduler discovers.
type Entities struct {
	mu       sync.RWMutex
	entities map[string]*entity
}

var (
	_ poller.Registrar = (*Entities)(nil)
	_ poller.Remover   = (*Entities)(nil)
)

// NewEntities returns an empty entity store.
func NewEntities() *Entities {
	return &Entities{
		entities: make(map[string]*entity),
	}
}

// Register creates the entities for a newly discovered device.
func (s *Entities) Register(ctx context.Context, d myenergi.Device) []poller.Collaborator {
	var created []*entity
	add := func(suffix, name string, render renderFunc) {
		created = append(created, &entity{
			id:     d.String() + "_" + suffix,
			name:   d.String() + " " + name,
			device: d,
			render: render,
		})
	}

	if _, ok := d.(*myenergi.Charger); ok {
		add("status", "Status", renderChargerStatus)
		add("power", "Power", renderChargerPower)
		add("presence", "Presence", renderChargerPresence)
	}
	add("generators", "Generators", renderGenerators)

	s.mu.Lock()
	collaborators := make([]poller.Collaborator, 0, len(created))
	for _, e := range created {
		s.entities[e.id] = e
		collaborators = append(collaborators, e)
	}
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "registered entities", slog.String("device", d.String()), slog.Int("count", len(created)))
	return collaborators
}

// Remove drops every entity of a device.
func (s *Entities) Remove(ctx context.Context, kind myenergi.DeviceKind, serial int64) {
	name := kind.Code() + strconv.FormatInt(serial, 10)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entities {
		if e.device.Kind() == kind && e.device.Serial() == serial {
			delete(s.entities, id)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "removed entities", slog.String("device", name))
}

// Views returns the rendered view of every entity sorted by id.
func (s *Entities) Views() []View {
	s.mu.RLock()
	views := make([]View, 0, len(s.entities))
	for _, e := range s.entities {
		views = append(views, e.View())
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].ID < views[j].ID
	})
	return views
}

func renderChargerStatus(d myenergi.Device, v *View) {
	state := d.(*myenergi.Charger).State()
	v.State = state.Status.String()
	v.Attributes = map[string]any{
		"mode":          state.Mode.String(),
		"commandStatus": state.CommandStatus.String(),
		"power":         state.Power,
		"voltage":       state.Voltage,
		"frequency":     state.Frequency,
		"lastUpdated":   d.LastUpdated().Format(time.RFC3339),
	}
}

func renderChargerPower(d myenergi.Device, v *View) {
	v.State = d.(*myenergi.Charger).Power()
	v.Unit = "W"
}

func renderChargerPresence(d myenergi.Device, v *View) {
	v.State = d.(*myenergi.Charger).State().Connected()
}

func renderGenerators(d myenergi.Device, v *View) {
	var total float64
	byType := make(map[string]float64)
	for _, g := range d.Generators() {
		total += g.Power
		byType[string(g.Type)] += g.Power
	}
	attrs := make(map[string]any, len(byType))
	for t, p := range byType {
		attrs[t] = p
	}
	v.State = total
	v.Unit = "W"
	v.Attributes = attrs
}
