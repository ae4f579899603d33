package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raterudder/myenergi/pkg/log"
	"github.com/raterudder/myenergi/pkg/myenergi"
)

// ErrTimeout is returned when a tick exceeds its timeout.
var ErrTimeout = errors.New("poll timed out")

// Fetcher polls the devices of one kind. *myenergi.Hub implements it.
type Fetcher interface {
	Fetch(ctx context.Context, kind myenergi.DeviceKind) ([]myenergi.Device, error)
}

// Collaborator presents a single device and re-renders when told its device
// changed.
type Collaborator interface {
	Refresh(ctx context.Context)
}

// Registrar creates the collaborators for a newly discovered device.
type Registrar interface {
	Register(ctx context.Context, d myenergi.Device) []Collaborator
}

// Remover is implemented by registrars that want to know when a device is no
// longer reported by the hub.
type Remover interface {
	Remove(ctx context.Context, kind myenergi.DeviceKind, serial int64)
}

// State is the scheduler's position in its poll cycle.
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateBackingOff State = "backing-off"
)

// Config controls the poll cycle.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	BackoffFactor float64
	Kinds         []myenergi.DeviceKind
}

// DefaultConfig returns the defaults used when flags aren't set.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Second,
		Timeout:       4 * time.Second,
		BackoffFactor: 1.25,
		Kinds:         []myenergi.DeviceKind{myenergi.KindCharger, myenergi.KindMonitor},
	}
}

// Validate ensures the configuration is valid.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("poll timeout must be positive")
	}
	if c.BackoffFactor <= 0 {
		return errors.New("backoff factor must be positive")
	}
	if len(c.Kinds) == 0 {
		return errors.New("at least one device kind must be polled")
	}
	return nil
}

// Status is a point in time view of the scheduler.
type Status struct {
	State       State     `json:"state"`
	Backoff     int       `json:"backoff"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	NextTick    time.Time `json:"nextTick"`
}

type deviceKey struct {
	kind   myenergi.DeviceKind
	serial int64
}

// tracked is the device object the collaborators were registered for. The
// registry may replace the object for a serial after evicting it.
type tracked struct {
	device        myenergi.Device
	collaborators []Collaborator
}

// Scheduler periodically fetches every tracked kind and notifies the
// collaborators of each device. Only one tick runs at a time and the next
// one is scheduled after it completes.
type Scheduler struct {
	fetcher Fetcher
	cfg     Config

	mu          sync.Mutex
	registrar   Registrar
	started     bool
	state       State
	backoff     int
	lastSuccess time.Time
	lastErr     error
	nextTick    time.Time
	done        chan struct{}

	// only touched from within a tick
	seen map[deviceKey]tracked
}

// New returns a Scheduler polling f.
func New(f Fetcher, cfg Config) *Scheduler {
	return &Scheduler{
		fetcher: f,
		cfg:     cfg,
		state:   StateIdle,
		done:    make(chan struct{}),
		seen:    make(map[deviceKey]tracked),
	}
}

// SetRegistrar attaches the registrar that's handed newly discovered
// devices.
func (s *Scheduler) SetRegistrar(r Registrar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrar = r
}

// Start begins polling in the background until ctx is canceled. It returns
// false and does nothing if the scheduler was already started or no
// registrar is attached.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.registrar == nil {
		return false
	}
	s.started = true

	log.Ctx(ctx).InfoContext(
		ctx,
		"starting myenergi polling loop",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("timeout", s.cfg.Timeout),
	)
	go s.run(ctx)
	return true
}

// Done is closed once a started scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		_ = s.tick(ctx)

		delay := s.NextInterval()
		s.mu.Lock()
		s.nextTick = time.Now().Add(delay)
		s.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Ctx(ctx).InfoContext(ctx, "stopped myenergi polling loop")
			return
		case <-timer.C:
		}
	}
}

// NextInterval returns the delay before the next tick. After n consecutive
// failures it is Interval * n^BackoffFactor.
func (s *Scheduler) NextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIntervalLocked()
}

func (s *Scheduler) nextIntervalLocked() time.Duration {
	if s.backoff == 0 {
		return s.cfg.Interval
	}
	return time.Duration(float64(s.cfg.Interval) * math.Pow(float64(s.backoff), s.cfg.BackoffFactor))
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state,
		Backoff:     s.backoff,
		LastSuccess: s.lastSuccess,
		NextTick:    s.nextTick,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// tick fetches every tracked kind under the tick timeout. Failures are
// logged and start a backoff, they are only returned for tests.
func (s *Scheduler) tick(ctx context.Context) error {
	ctx, _ = log.Tick(ctx)
	s.setState(StatePolling)

	tctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	results := make([][]myenergi.Device, len(s.cfg.Kinds))
	g, gctx := errgroup.WithContext(tctx)
	for i, kind := range s.cfg.Kinds {
		g.Go(func() error {
			devices, err := s.fetcher.Fetch(gctx, kind)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", kind, err)
			}
			results[i] = devices
			return nil
		})
	}
	err := g.Wait()
	if err == nil && tctx.Err() != nil {
		// everything returned but the result is too late to trust
		err = tctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			// shutting down, not a failure
			s.setState(StateIdle)
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, s.cfg.Timeout, err)
		}
		s.fail(ctx, err)
		return err
	}

	s.succeed(ctx, results)
	return nil
}

func (s *Scheduler) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.backoff++
	s.lastErr = err
	s.state = StateBackingOff
	next := s.nextIntervalLocked()
	backoff := s.backoff
	s.mu.Unlock()

	log.Ctx(ctx).ErrorContext(ctx, "error while fetching devices", slog.Any("error", err))
	log.Ctx(ctx).InfoContext(
		ctx,
		"backing off",
		slog.Int("backoff", backoff),
		slog.Float64("retrySeconds", math.Round(next.Seconds()*100)/100),
	)
}

func (s *Scheduler) succeed(ctx context.Context, results [][]myenergi.Device) {
	s.mu.Lock()
	s.backoff = 0
	s.lastErr = nil
	s.lastSuccess = time.Now()
	registrar := s.registrar
	s.mu.Unlock()

	present := make(map[deviceKey]struct{})
	for _, devices := range results {
		for _, d := range devices {
			key := deviceKey{kind: d.Kind(), serial: d.Serial()}
			present[key] = struct{}{}

			tr, known := s.seen[key]
			if known && tr.device != d {
				log.Ctx(ctx).InfoContext(ctx, "device was replaced, re-registering", slog.String("device", d.String()))
				if r, ok := registrar.(Remover); ok {
					r.Remove(ctx, key.kind, key.serial)
				}
				known = false
			}
			if !known {
				tr = tracked{device: d}
				if registrar != nil {
					tr.collaborators = registrar.Register(ctx, d)
				}
				s.seen[key] = tr
				log.Ctx(ctx).DebugContext(ctx, "registered collaborators", slog.String("device", d.String()), slog.Int("count", len(tr.collaborators)))
			}
			for _, c := range tr.collaborators {
				c.Refresh(ctx)
			}
		}
	}

	for key := range s.seen {
		if _, ok := present[key]; ok {
			continue
		}
		delete(s.seen, key)
		if r, ok := registrar.(Remover); ok {
			r.Remove(ctx, key.kind, key.serial)
		}
	}

	s.setState(StateIdle)
}
