package myenergi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaterType is the heater or relay a schedule slot drives.
type HeaterType int

const (
	Heater1 HeaterType = 1
	Heater2 HeaterType = 2
	Relay1  HeaterType = 5
	Relay2  HeaterType = 6
)

func (h HeaterType) String() string {
	switch h {
	case Heater1:
		return "heater-1"
	case Heater2:
		return "heater-2"
	case Relay1:
		return "relay-1"
	case Relay2:
		return "relay-2"
	}
	return "unknown(" + strconv.Itoa(int(h)) + ")"
}

func (h HeaterType) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HeaterType) UnmarshalText(b []byte) error {
	v, err := ParseHeaterType(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ParseHeaterType parses the String form of a HeaterType.
func ParseHeaterType(s string) (HeaterType, error) {
	for _, h := range []HeaterType{Heater1, Heater2, Relay1, Relay2} {
		if strings.EqualFold(s, h.String()) {
			return h, nil
		}
	}
	return 0, fmt.Errorf("unknown heater type: %s", s)
}

// Schedule is a single timed boost slot.
type Schedule struct {
	Heater  HeaterType `json:"heater" yaml:"heater"`
	Slot    int        `json:"slot" yaml:"slot"`
	SubSlot int        `json:"subSlot" yaml:"subSlot"`
	// Start is the offset from midnight.
	Start    time.Duration `json:"start" yaml:"start"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	// Days starts with Monday.
	Days [7]bool `json:"days" yaml:"days"`
}

// ActiveOn returns true if the slot runs on the given weekday.
func (s Schedule) ActiveOn(day time.Weekday) bool {
	return s.Days[(int(day)+6)%7]
}

type rawSchedule struct {
	Slot        *int   `json:"slt"`
	StartHour   int    `json:"bsh"`
	StartMinute int    `json:"bsm"`
	DurHour     int    `json:"bdh"`
	DurMinute   int    `json:"bdm"`
	Days        string `json:"bdd"`
}

// ParseSchedule decodes a boost slot. The day mask is 8 characters where the
// first is unused and the rest are Monday through Sunday.
func ParseSchedule(raw json.RawMessage) (Schedule, error) {
	var r rawSchedule
	if err := json.Unmarshal(raw, &r); err != nil {
		return Schedule{}, fmt.Errorf("failed to decode schedule: %w", err)
	}
	if r.Slot == nil {
		return Schedule{}, &MissingFieldError{Field: "slt"}
	}
	heater := HeaterType(*r.Slot / 10)
	switch heater {
	case Heater1, Heater2, Relay1, Relay2:
	default:
		return Schedule{}, fmt.Errorf("unknown heater type in slot %d", *r.Slot)
	}
	if len(r.Days) != 8 {
		return Schedule{}, fmt.Errorf("invalid day mask %q", r.Days)
	}
	if r.StartHour < 0 || r.StartHour > 23 || r.StartMinute < 0 || r.StartMinute > 59 {
		return Schedule{}, fmt.Errorf("invalid start time %02d:%02d", r.StartHour, r.StartMinute)
	}

	s := Schedule{
		Heater:   heater,
		Slot:     *r.Slot,
		SubSlot:  *r.Slot % 10,
		Start:    time.Duration(r.StartHour)*time.Hour + time.Duration(r.StartMinute)*time.Minute,
		Duration: time.Duration(r.DurHour)*time.Hour + time.Duration(r.DurMinute)*time.Minute,
	}
	for i, c := range r.Days[1:] {
		s.Days[i] = c == '1'
	}
	return s, nil
}
