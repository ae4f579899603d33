package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"

	"github.com/raterudder/myenergi/pkg/log"
	"github.com/raterudder/myenergi/pkg/myenergi"
)

func main() {
	hub := myenergi.Configured()
	format := lflag.String("format", "text", "Output format (text, json, yaml)")
	kinds := lflag.String("kinds", "zappi,harvi,eddi", "Comma-delimited device kinds to fetch")
	timeout := lflag.Duration("timeout", 30*time.Second, "Maximum duration of the fetch")
	lflag.Configure()

	// keep stdout clean for the report
	log.SetDefaultOutput(os.Stderr)
	log.SetDefaultLogLevel(slog.LevelWarn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	ks, err := parseKinds(*kinds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	snapshots, err := fetch(ctx, hub, ks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := render(os.Stdout, *format, snapshots); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseKinds(s string) ([]myenergi.DeviceKind, error) {
	var kinds []myenergi.DeviceKind
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		kind, err := myenergi.ParseDeviceKind(k)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no device kinds given")
	}
	return kinds, nil
}

func fetch(ctx context.Context, hub *myenergi.Hub, kinds []myenergi.DeviceKind) ([]myenergi.Snapshot, error) {
	snapshots := []myenergi.Snapshot{}
	for _, kind := range kinds {
		devices, err := hub.Fetch(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s devices: %w", kind, err)
		}
		for _, d := range devices {
			snapshots = append(snapshots, d.Snapshot())
		}
	}
	return snapshots, nil
}

func render(w io.Writer, format string, snapshots []myenergi.Snapshot) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(snapshots, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		data, err := yaml.Marshal(snapshots)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case "text":
		return renderText(w, snapshots)
	}
	return fmt.Errorf("unknown format: %s", format)
}

func renderText(w io.Writer, snapshots []myenergi.Snapshot) error {
	if len(snapshots) == 0 {
		_, err := fmt.Fprintln(w, "No devices found")
		return err
	}
	var sb strings.Builder
	for i, s := range snapshots {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s (%s)\n", s.Name, s.Kind)
		fmt.Fprintf(&sb, "  Updated: %s\n", s.LastUpdated.Format(time.RFC3339))
		if c := s.Charger; c != nil {
			fmt.Fprintf(&sb, "  Status: %s\n", c.Status)
			fmt.Fprintf(&sb, "  Mode: %s\n", c.Mode)
			fmt.Fprintf(&sb, "  Power: %.0f W\n", c.Power)
			fmt.Fprintf(&sb, "  Voltage: %.1f V\n", c.Voltage)
			fmt.Fprintf(&sb, "  Frequency: %.2f Hz\n", c.Frequency)
			fmt.Fprintf(&sb, "  Last command: %s\n", c.CommandStatus)
		}
		for _, g := range s.Generators {
			fmt.Fprintf(&sb, "  %s: %.0f W\n", g.Type.Label(), g.Power)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
