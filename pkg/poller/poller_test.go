package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/myenergi/pkg/log"
	"github.com/raterudder/myenergi/pkg/myenergi"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

const (
	testZappi = `{"sno":100,"dat":"07-10-2019","tim":"21:04:29","frq":50,"pha":1,"pri":1,"sta":3,"pst":"C1","vol":2400,"cmt":254,"zmo":1,"div":3600}`
	testHarvi = `{"sno":200,"dat":"07-10-2019","tim":"21:04:29","ectt1":"Grid","ectp1":120}`
)

type fakeAPI struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (f *fakeAPI) set(path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body, ok := f.bodies[r.URL.Path]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, body)
}

type fakeFetcher struct {
	hub *myenergi.Hub

	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, kind myenergi.DeviceKind) ([]myenergi.Device, error) {
	f.mu.Lock()
	err, delay := f.err, f.delay
	f.calls++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.hub.Fetch(ctx, kind)
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newFakeFetcher(t *testing.T, policy myenergi.StalePolicy) (*fakeFetcher, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{bodies: map[string]string{
		"/cgi-jstatus-Z": `{"zappi":[` + testZappi + `]}`,
		"/cgi-jstatus-H": `{"harvi":[` + testHarvi + `]}`,
	}}
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	h, err := myenergi.New(myenergi.Config{
		Serial:      "1",
		Password:    "p",
		APIRoot:     ts.URL,
		Workers:     2,
		StalePolicy: policy,
	})
	require.NoError(t, err)
	return &fakeFetcher{hub: h}, api
}

type mockCollaborator struct {
	mock.Mock
}

func (m *mockCollaborator) Refresh(ctx context.Context) {
	m.Called(ctx)
}

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(ctx context.Context, d myenergi.Device) []Collaborator {
	args := m.Called(ctx, d)
	return args.Get(0).([]Collaborator)
}

func (m *mockRegistrar) Remove(ctx context.Context, kind myenergi.DeviceKind, serial int64) {
	m.Called(ctx, kind, serial)
}

func ofKind(kind myenergi.DeviceKind) any {
	return mock.MatchedBy(func(d myenergi.Device) bool { return d.Kind() == kind })
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	return cfg
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("Registers New Devices Then Refreshes Known", func(t *testing.T) {
		f, _ := newFakeFetcher(t, myenergi.StaleRetain)
		zc := &mockCollaborator{}
		zc.On("Refresh", mock.Anything).Return()
		hc := &mockCollaborator{}
		hc.On("Refresh", mock.Anything).Return()
		reg := &mockRegistrar{}
		reg.On("Register", mock.Anything, ofKind(myenergi.KindCharger)).Return([]Collaborator{zc}).Once()
		reg.On("Register", mock.Anything, ofKind(myenergi.KindMonitor)).Return([]Collaborator{hc}).Once()

		s := New(f, testConfig())
		s.SetRegistrar(reg)

		require.NoError(t, s.tick(ctx))
		require.NoError(t, s.tick(ctx))
		require.NoError(t, s.tick(ctx))

		reg.AssertExpectations(t)
		reg.AssertNumberOfCalls(t, "Register", 2)
		zc.AssertNumberOfCalls(t, "Refresh", 3)
		hc.AssertNumberOfCalls(t, "Refresh", 3)

		st := s.Status()
		assert.Equal(t, StateIdle, st.State)
		assert.Zero(t, st.Backoff)
		assert.False(t, st.LastSuccess.IsZero())
	})

	t.Run("Failure Backs Off And Success Resets", func(t *testing.T) {
		f, _ := newFakeFetcher(t, myenergi.StaleRetain)
		reg := &mockRegistrar{}
		reg.On("Register", mock.Anything, mock.Anything).Return([]Collaborator{})

		cfg := testConfig()
		cfg.Interval = 10 * time.Second
		cfg.BackoffFactor = 1.25
		s := New(f, cfg)
		s.SetRegistrar(reg)
		assert.Equal(t, 10*time.Second, s.NextInterval())

		f.fail(&myenergi.TransportError{Command: "jstatus", StatusCode: http.StatusBadGateway})
		var last time.Duration
		for i := 1; i <= 5; i++ {
			err := s.tick(ctx)
			var te *myenergi.TransportError
			require.ErrorAs(t, err, &te)

			next := s.NextInterval()
			assert.Greater(t, next, last, "delay should increase after failure %d", i)
			last = next
			assert.Equal(t, i, s.Status().Backoff)
			assert.Equal(t, StateBackingOff, s.Status().State)
			assert.NotEmpty(t, s.Status().LastError)
		}
		f.fail(nil)
		require.NoError(t, s.tick(ctx))
		assert.Zero(t, s.Status().Backoff)
		assert.Empty(t, s.Status().LastError)
		assert.Equal(t, 10*time.Second, s.NextInterval())
	})

	t.Run("Timeout", func(t *testing.T) {
		f, _ := newFakeFetcher(t, myenergi.StaleRetain)
		f.delay = time.Second
		reg := &mockRegistrar{}

		cfg := testConfig()
		cfg.Timeout = 20 * time.Millisecond
		s := New(f, cfg)
		s.SetRegistrar(reg)

		err := s.tick(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, 1, s.Status().Backoff)
		reg.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	})

	t.Run("Canceled Context Is Not A Failure", func(t *testing.T) {
		f, _ := newFakeFetcher(t, myenergi.StaleRetain)
		f.delay = time.Second
		s := New(f, testConfig())
		s.SetRegistrar(&mockRegistrar{})

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.tick(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, s.Status().Backoff)
	})

	t.Run("Removes Evicted Devices", func(t *testing.T) {
		f, api := newFakeFetcher(t, myenergi.StaleEvict)
		reg := &mockRegistrar{}
		reg.On("Register", mock.Anything, mock.Anything).Return([]Collaborator{})
		reg.On("Remove", mock.Anything, myenergi.KindMonitor, int64(200)).Return().Once()

		s := New(f, testConfig())
		s.SetRegistrar(reg)
		require.NoError(t, s.tick(ctx))

		api.set("/cgi-jstatus-H", `{"harvi":[]}`)
		require.NoError(t, s.tick(ctx))
		require.NoError(t, s.tick(ctx))

		reg.AssertExpectations(t)
		reg.AssertNumberOfCalls(t, "Remove", 1)

		api.set("/cgi-jstatus-H", `{"harvi":[`+testHarvi+`]}`)
		require.NoError(t, s.tick(ctx))
		reg.AssertNumberOfCalls(t, "Register", 3)
	})
}

// deviceCollaborator remembers the device object it was created for, as a
// presentation entity does.
type deviceCollaborator struct {
	device    myenergi.Device
	refreshes atomic.Int32
}

func (c *deviceCollaborator) Refresh(ctx context.Context) {
	c.refreshes.Add(1)
}

type trackingRegistrar struct {
	mu         sync.Mutex
	current    map[deviceKey]*deviceCollaborator
	registered map[deviceKey]int
	removed    map[deviceKey]int
}

func newTrackingRegistrar() *trackingRegistrar {
	return &trackingRegistrar{
		current:    make(map[deviceKey]*deviceCollaborator),
		registered: make(map[deviceKey]int),
		removed:    make(map[deviceKey]int),
	}
}

func (r *trackingRegistrar) Register(ctx context.Context, d myenergi.Device) []Collaborator {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := deviceKey{kind: d.Kind(), serial: d.Serial()}
	c := &deviceCollaborator{device: d}
	r.current[key] = c
	r.registered[key]++
	return []Collaborator{c}
}

func (r *trackingRegistrar) Remove(ctx context.Context, kind myenergi.DeviceKind, serial int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := deviceKey{kind: kind, serial: serial}
	delete(r.current, key)
	r.removed[key]++
}

func TestReappearingDeviceIsReregistered(t *testing.T) {
	ctx := context.Background()
	f, api := newFakeFetcher(t, myenergi.StaleEvict)
	reg := newTrackingRegistrar()

	s := New(f, testConfig())
	s.SetRegistrar(reg)
	require.NoError(t, s.tick(ctx))

	monitor := deviceKey{kind: myenergi.KindMonitor, serial: 200}
	first, ok := f.hub.Device(myenergi.KindMonitor, 200)
	require.True(t, ok)
	require.Same(t, first, reg.current[monitor].device)

	// the monitor disappears in a tick that fails because of the charger
	api.set("/cgi-jstatus-H", `{"harvi":[]}`)
	api.set("/cgi-jstatus-Z", `{"zappi":{}}`)
	require.Error(t, s.tick(ctx))
	_, err := f.hub.Fetch(ctx, myenergi.KindMonitor)
	require.NoError(t, err)
	_, ok = f.hub.Device(myenergi.KindMonitor, 200)
	require.False(t, ok, "monitor should have been evicted from the hub")

	api.set("/cgi-jstatus-H", `{"harvi":[`+testHarvi+`]}`)
	api.set("/cgi-jstatus-Z", `{"zappi":[`+testZappi+`]}`)
	require.NoError(t, s.tick(ctx))

	second, ok := f.hub.Device(myenergi.KindMonitor, 200)
	require.True(t, ok)
	assert.NotSame(t, first, second)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	c, ok := reg.current[monitor]
	require.True(t, ok)
	assert.Same(t, second, c.device, "collaborator must follow the live device")
	assert.Equal(t, int32(1), c.refreshes.Load())
	assert.Equal(t, 2, reg.registered[monitor])
	assert.Equal(t, 1, reg.removed[monitor])

	charger := deviceKey{kind: myenergi.KindCharger, serial: 100}
	assert.Equal(t, 1, reg.registered[charger], "charger object never changed")
	assert.Zero(t, reg.removed[charger])
}

type countingCollaborator struct {
	refreshes atomic.Int32
}

func (c *countingCollaborator) Refresh(ctx context.Context) {
	c.refreshes.Add(1)
}

type staticRegistrar struct {
	c Collaborator
}

func (r staticRegistrar) Register(ctx context.Context, d myenergi.Device) []Collaborator {
	return []Collaborator{r.c}
}

func TestStart(t *testing.T) {
	f, _ := newFakeFetcher(t, myenergi.StaleRetain)
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.Kinds = []myenergi.DeviceKind{myenergi.KindCharger}
	s := New(f, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.False(t, s.Start(ctx), "should not start without a registrar")

	c := &countingCollaborator{}
	s.SetRegistrar(staticRegistrar{c: c})
	assert.True(t, s.Start(ctx))
	assert.False(t, s.Start(ctx), "starting twice should be a no-op")

	require.Eventually(t, func() bool {
		return c.refreshes.Load() >= 3
	}, 5*time.Second, time.Millisecond)
	assert.False(t, s.Status().NextTick.IsZero())

	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNextInterval(t *testing.T) {
	s := New(nil, Config{Interval: 10 * time.Second, BackoffFactor: 1.25})
	for backoff, want := range map[int]float64{0: 10, 1: 10, 2: 23.78, 3: 39.48, 4: 56.57} {
		s.backoff = backoff
		assert.InDelta(t, want, s.NextInterval().Seconds(), 0.01, "backoff %d", backoff)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	for name, mut := range map[string]func(*Config){
		"interval": func(c *Config) { c.Interval = 0 },
		"timeout":  func(c *Config) { c.Timeout = -1 },
		"factor":   func(c *Config) { c.BackoffFactor = 0 },
		"kinds":    func(c *Config) { c.Kinds = nil },
	} {
		cfg := DefaultConfig()
		mut(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
	assert.True(t, errors.Is(fmt.Errorf("%w: x", ErrTimeout), ErrTimeout))
}
