package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/somnolog/somnolog/internal/config"
	"github.com/somnolog/somnolog/pkg/types"
)

func TestSimulateSynthetic_Deterministic(t *testing.T) {
	t.Parallel()
	o := simulateOptions{duration: 10 * time.Minute, sensitivity: 5, seed: 99, probability: 0.15}

	a, err := simulateSynthetic(context.Background(), o)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	b, err := simulateSynthetic(context.Background(), o)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	if a.Stats.TotalEvents != 600 {
		t.Errorf("events = %d, want one per second for 10 minutes", a.Stats.TotalEvents)
	}
	if a.Stats.ApneaCount != b.Stats.ApneaCount || a.Stats.AverageConfidence != b.Stats.AverageConfidence {
		t.Errorf("same seed gave different runs: %+v vs %+v", a.Stats, b.Stats)
	}
	if a.DurationMinutes != 10 {
		t.Errorf("duration = %v minutes, want 10", a.DurationMinutes)
	}
	if a.Stats.TotalEvents != a.Stats.ApneaCount+a.Stats.NormalCount {
		t.Errorf("counts invariant broken: %+v", a.Stats)
	}
}

func TestSimulateSynthetic_CancelledStopsEarly(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fin, err := simulateSynthetic(ctx, simulateOptions{duration: time.Hour, sensitivity: 5, seed: 1})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if fin.Stats.TotalEvents != 0 {
		t.Errorf("events = %d after cancellation, want 0", fin.Stats.TotalEvents)
	}
}

func TestSimulateCmd_PrintsJSON(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"simulate", "--duration", "1m", "--seed", "3"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var fin types.FinalizedSession
	if err := json.Unmarshal(out.Bytes(), &fin); err != nil {
		t.Fatalf("output is not a finalized session: %v\n%s", err, out.String())
	}
	if fin.OwnerID != simulateOwner || len(fin.Events) != 60 {
		t.Errorf("owner=%q events=%d, want simulate/60", fin.OwnerID, len(fin.Events))
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{"debug": "DEBUG", "info": "INFO", "warn": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range tests {
		if got := slogLevel(config.LogLevel(in)).String(); got != want {
			t.Errorf("slogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
