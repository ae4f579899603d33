package myenergi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"weak"

	"github.com/raterudder/myenergi/pkg/log"
)

// Status is the decoded operating status of a charger.
type Status int

const (
	StatusNotConnected Status = 0
	StatusEVWaiting    Status = 1
	StatusWaiting      Status = 2
	StatusCharging     Status = 3
	StatusBoosting     Status = 4
	StatusComplete     Status = 5
	StatusDelayed      Status = 6
	StatusFault        Status = 255
)

func (s Status) String() string {
	switch s {
	case StatusNotConnected:
		return "not-connected"
	case StatusEVWaiting:
		return "ev-waiting"
	case StatusWaiting:
		return "waiting"
	case StatusCharging:
		return "charging"
	case StatusBoosting:
		return "boosting"
	case StatusComplete:
		return "complete"
	case StatusDelayed:
		return "delayed"
	case StatusFault:
		return "fault"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus parses the String form of a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{
		StatusNotConnected, StatusEVWaiting, StatusWaiting, StatusCharging,
		StatusBoosting, StatusComplete, StatusDelayed, StatusFault,
	} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status: %s", s)
}

// DecodeStatus maps the charger's numeric sub-status and operating mode code
// onto a Status. B1/B2 and C1/C2 refine sub-status differently on purpose:
// C1 falls back to waiting while C2 falls back to charging.
func DecodeStatus(subStatus int, operatingMode string) Status {
	switch operatingMode {
	case "A":
		return StatusNotConnected
	case "B1":
		switch subStatus {
		case 1, 2:
			return StatusWaiting
		case 5:
			return StatusComplete
		}
		return StatusEVWaiting
	case "B2":
		if subStatus == 5 {
			return StatusComplete
		}
		return StatusDelayed
	case "C1":
		switch subStatus {
		case 3:
			return StatusCharging
		case 4:
			return StatusBoosting
		case 5:
			return StatusComplete
		}
		return StatusWaiting
	case "C2":
		switch subStatus {
		case 4:
			return StatusBoosting
		case 5:
			return StatusComplete
		}
		return StatusCharging
	case "F":
		return StatusFault
	}
	return StatusNotConnected
}

// Mode is the charge mode of a charger.
type Mode int

const (
	ModeNoChange Mode = 0
	ModeFast     Mode = 1
	ModeEco      Mode = 2
	ModeEcoPlus  Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeNoChange:
		return "no-change"
	case ModeFast:
		return "fast"
	case ModeEco:
		return "eco"
	case ModeEcoPlus:
		return "eco-plus"
	}
	return "unknown(" + strconv.Itoa(int(m)) + ")"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode parses the String form of a Mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeNoChange, ModeFast, ModeEco, ModeEcoPlus} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode: %s", s)
}

// decodeMode only accepts the modes a charger can report being in.
func decodeMode(v int) (Mode, error) {
	switch Mode(v) {
	case ModeFast, ModeEco, ModeEcoPlus:
		return Mode(v), nil
	}
	return 0, &UnrecognizedModeError{Mode: v}
}

// BoostMode is the boost action sent along with a mode change.
type BoostMode int

const (
	BoostNoChange       BoostMode = 0
	BoostCancelNonTimed BoostMode = 1
	BoostCancelAll      BoostMode = 2
	BoostStartManual    BoostMode = 3
	BoostStartSmart     BoostMode = 4
)

func (b BoostMode) String() string {
	switch b {
	case BoostNoChange:
		return "no-change"
	case BoostCancelNonTimed:
		return "cancel-non-timed"
	case BoostCancelAll:
		return "cancel-all"
	case BoostStartManual:
		return "start-manual"
	case BoostStartSmart:
		return "start-smart"
	}
	return "unknown(" + strconv.Itoa(int(b)) + ")"
}

// ParseBoostMode parses the String form of a BoostMode.
func ParseBoostMode(s string) (BoostMode, error) {
	for _, b := range []BoostMode{BoostNoChange, BoostCancelNonTimed, BoostCancelAll, BoostStartManual, BoostStartSmart} {
		if strings.EqualFold(s, b.String()) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown boost mode: %s", s)
}

// CommandStatus is the state of the last command sent to a charger.
type CommandStatus int

const (
	CommandInProgress CommandStatus = 1
	CommandFailed     CommandStatus = 2
	CommandFinished   CommandStatus = 3
)

func (c CommandStatus) String() string {
	switch c {
	case CommandInProgress:
		return "in-progress"
	case CommandFailed:
		return "failed"
	case CommandFinished:
		return "finished"
	}
	return "unknown(" + strconv.Itoa(int(c)) + ")"
}

func (c CommandStatus) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CommandStatus) UnmarshalText(b []byte) error {
	v, err := ParseCommandStatus(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCommandStatus parses the String form of a CommandStatus.
func ParseCommandStatus(s string) (CommandStatus, error) {
	for _, c := range []CommandStatus{CommandInProgress, CommandFailed, CommandFinished} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command status: %s", s)
}

// decodeCommandStatus decodes the command timer: up to 10 means the command
// is still being retried and 253 means it failed.
func decodeCommandStatus(v int) CommandStatus {
	switch {
	case v <= 10:
		return CommandInProgress
	case v == 253:
		return CommandFailed
	}
	return CommandFinished
}

// ChargerState is everything decoded from a charger record beyond the common
// device fields.
type ChargerState struct {
	Status                  Status        `json:"status" yaml:"status"`
	Mode                    Mode          `json:"mode" yaml:"mode"`
	CommandStatus           CommandStatus `json:"commandStatus" yaml:"commandStatus"`
	Power                   float64       `json:"power" yaml:"power"`
	Voltage                 float64       `json:"voltage" yaml:"voltage"`
	Frequency               float64       `json:"frequency" yaml:"frequency"`
	Phases                  int           `json:"phases" yaml:"phases"`
	Priority                int           `json:"priority" yaml:"priority"`
	RemainingManualBoost    float64       `json:"remainingManualBoost" yaml:"remainingManualBoost"`
	RemainingSmartBoost     float64       `json:"remainingSmartBoost" yaml:"remainingSmartBoost"`
	ChargeAdded             float64       `json:"chargeAdded" yaml:"chargeAdded"`
	MinimumGreenLevel       int           `json:"minimumGreenLevel" yaml:"minimumGreenLevel"`
	SmartBoostTargetMinutes int           `json:"smartBoostTargetMinutes" yaml:"smartBoostTargetMinutes"`
}

// Connected returns true if a vehicle is plugged in.
func (s ChargerState) Connected() bool {
	return s.Status != StatusNotConnected
}

type rawCharger struct {
	rawDevice
	Frequency     *float64 `json:"frq"`
	Phases        *int     `json:"pha"`
	SubStatus     *int     `json:"sta"`
	OperatingMode *string  `json:"pst"`
	Voltage       *float64 `json:"vol"`
	Diverted      float64  `json:"div"`
	Priority      *int     `json:"pri"`
	CommandTimer  *int     `json:"cmt"`
	Mode          *int     `json:"zmo"`
	ManualBoost   float64  `json:"tbk"`
	SmartBoost    float64  `json:"sbk"`
	ChargeAdded   float64  `json:"che"`
	MinGreen      int      `json:"mgl"`
	SmartHour     int      `json:"sbh"`
	SmartMinute   int      `json:"sbm"`
}

func (r rawCharger) required() error {
	for _, f := range []struct {
		name    string
		missing bool
	}{
		{"frq", r.Frequency == nil},
		{"pha", r.Phases == nil},
		{"sta", r.SubStatus == nil},
		{"pst", r.OperatingMode == nil},
		{"vol", r.Voltage == nil},
		{"pri", r.Priority == nil},
		{"cmt", r.CommandTimer == nil},
		{"zmo", r.Mode == nil},
	} {
		if f.missing {
			return &MissingFieldError{Field: f.name}
		}
	}
	return nil
}

func decodeCharger(r rawCharger) (ChargerState, error) {
	if err := r.required(); err != nil {
		return ChargerState{}, err
	}
	mode, err := decodeMode(*r.Mode)
	if err != nil {
		return ChargerState{}, err
	}
	return ChargerState{
		Status:                  DecodeStatus(*r.SubStatus, *r.OperatingMode),
		Mode:                    mode,
		CommandStatus:           decodeCommandStatus(*r.CommandTimer),
		Power:                   r.Diverted,
		Voltage:                 *r.Voltage,
		Frequency:               *r.Frequency,
		Phases:                  *r.Phases,
		Priority:                *r.Priority,
		RemainingManualBoost:    r.ManualBoost,
		RemainingSmartBoost:     r.SmartBoost,
		ChargeAdded:             r.ChargeAdded,
		MinimumGreenLevel:       r.MinGreen,
		SmartBoostTargetMinutes: 60*r.SmartHour + r.SmartMinute,
	}, nil
}

// Charger is an EV charging station (zappi).
type Charger struct {
	device
	state ChargerState
}

func newCharger(serial int64, hub weak.Pointer[Hub]) Device {
	c := &Charger{}
	c.init(KindCharger, serial, hub)
	return c
}

func (c *Charger) update(ctx context.Context, raw json.RawMessage) error {
	var r rawCharger
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("failed to decode zappi record: %w", err)
	}
	base, err := decodeBase(ctx, r.rawDevice)
	if err != nil {
		return err
	}
	state, err := decodeCharger(r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.apply(base)
	c.state = state
	c.mu.Unlock()
	return nil
}

// State returns a copy of the charger specific state.
func (c *Charger) State() ChargerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Charger) Status() Status               { return c.State().Status }
func (c *Charger) Mode() Mode                   { return c.State().Mode }
func (c *Charger) CommandStatus() CommandStatus { return c.State().CommandStatus }
func (c *Charger) Power() float64               { return c.State().Power }
func (c *Charger) Voltage() float64             { return c.State().Voltage }
func (c *Charger) Frequency() float64           { return c.State().Frequency }

func (c *Charger) Snapshot() Snapshot {
	s := c.snapshot()
	state := c.State()
	s.Charger = &state
	return s
}

// CommandResponse is the body returned by commands that change a charger.
type CommandResponse struct {
	Status     int    `json:"status"`
	StatusText string `json:"statustext"`
}

var zappiModeOrder = []string{"id", "mode", "boost", "kwh", "targetTime"}

// SetMode changes the charge mode and optionally starts or cancels a boost.
// kwh and targetTime (HHMM, defaults to 0000) only matter for boosts.
func (c *Charger) SetMode(ctx context.Context, mode Mode, boost BoostMode, kwh int, targetTime string) (CommandResponse, error) {
	h := c.Hub()
	if h == nil {
		return CommandResponse{}, ErrHubGone
	}
	if targetTime == "" {
		targetTime = "0000"
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"setting zappi mode",
		slog.String("device", c.String()),
		slog.String("mode", mode.String()),
		slog.String("boost", boost.String()),
		slog.Int("kwh", kwh),
		slog.String("targetTime", targetTime),
	)

	body, err := await(ctx, h.transport.RequestAsync(ctx, Call{
		Command: "zappi-mode",
		Params: map[string]string{
			"id":         strconv.FormatInt(c.serial, 10),
			"mode":       strconv.Itoa(int(mode)),
			"boost":      strconv.Itoa(int(boost)),
			"kwh":        strconv.Itoa(kwh),
			"targetTime": targetTime,
		},
		Order: zappiModeOrder,
	}))
	if err != nil {
		return CommandResponse{}, err
	}

	var res CommandResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return CommandResponse{}, fmt.Errorf("failed to decode zappi-mode response: %w", err)
	}
	if res.Status != 0 {
		log.Ctx(ctx).WarnContext(ctx, "zappi-mode rejected", slog.Int("status", res.Status), slog.String("text", res.StatusText))
		return res, fmt.Errorf("zappi-mode rejected: %d %s", res.Status, res.StatusText)
	}
	return res, nil
}

// TimedBoosts returns the configured timed boost slots.
func (c *Charger) TimedBoosts(ctx context.Context) ([]Schedule, error) {
	h := c.Hub()
	if h == nil {
		return nil, ErrHubGone
	}

	body, err := await(ctx, h.transport.RequestAsync(ctx, Call{
		Command: "boost-time",
		Params:  map[string]string{"id": strconv.FormatInt(c.serial, 10)},
	}))
	if err != nil {
		return nil, err
	}

	var res struct {
		BoostTimes []json.RawMessage `json:"boost_times"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode boost-time response: %w", err)
	}

	schedules := make([]Schedule, 0, len(res.BoostTimes))
	for _, raw := range res.BoostTimes {
		s, err := ParseSchedule(raw)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}
