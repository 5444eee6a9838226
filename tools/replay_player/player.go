// Package replayplayer loads recorded sessions and decodes their snapshot
// frames for offline inspection.
package replayplayer

import (
	"fmt"
	"time"

	"wandersync/internal/protocol"
	"wandersync/internal/reconcile"
	"wandersync/internal/replay"
)

// FrameSummary describes one recorded frame after decoding.
type FrameSummary struct {
	Tick        uint64    `json:"tick"`
	SimulatedMs int64     `json:"simulated_ms"`
	CapturedAt  time.Time `json:"captured_at"`
	Bytes       int       `json:"bytes"`
	Entities    int       `json:"entities"`
	Teleports   int       `json:"teleports"`
	Error       string    `json:"error,omitempty"`
}

// Summary aggregates a whole session.
type Summary struct {
	Frames     int            `json:"frames"`
	Decoded    int            `json:"decoded"`
	Malformed  int            `json:"malformed"`
	Entities   int            `json:"entities"`
	Teleports  int            `json:"teleports"`
	FirstTick  uint64         `json:"first_tick"`
	LastTick   uint64         `json:"last_tick"`
	Events     int            `json:"events"`
	EventTypes map[string]int `json:"event_types"`
	// Snaps counts hard corrections an observer receiving exactly these
	// frames at the recorded cadence would have made.
	Snaps int `json:"snaps"`
}

// Report is the decoded view of a replay bundle.
type Report struct {
	Dir      string          `json:"dir"`
	Manifest replay.Manifest `json:"manifest"`
	Header   *replay.Header  `json:"header,omitempty"`
	Summary  Summary         `json:"summary"`
	Events   []replay.Event  `json:"events,omitempty"`
	Frames   []FrameSummary  `json:"frames,omitempty"`
}

// Load reads the bundle at path and decodes every frame.
func Load(path string) (Report, error) {
	if path == "" {
		return Report{}, fmt.Errorf("path is required")
	}
	bundle, err := replay.ReadBundle(path)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Dir:      bundle.Dir,
		Manifest: bundle.Manifest,
		Header:   bundle.Header,
		Events:   bundle.Events,
		Summary: Summary{
			Frames:     len(bundle.Frames),
			Events:     len(bundle.Events),
			EventTypes: make(map[string]int),
		},
	}
	for _, event := range bundle.Events {
		report.Summary.EventTypes[event.Type]++
	}

	//1.- Decode frames in capture order and replay them through a reconciler.
	reconciler := reconcile.NewReconciler(reconcile.DefaultConfig())
	framesPerStep := framesBetween(bundle.Header)
	var previousTick uint64
	for i, frame := range bundle.Frames {
		summary := FrameSummary{
			Tick:        frame.Tick,
			SimulatedMs: frame.SimulatedMs,
			CapturedAt:  frame.CapturedAt,
			Bytes:       len(frame.Payload),
		}
		if i == 0 {
			report.Summary.FirstTick = frame.Tick
		}
		report.Summary.LastTick = frame.Tick

		entities, err := protocol.Decode(frame.Payload)
		if err != nil {
			summary.Error = err.Error()
			report.Summary.Malformed++
			report.Frames = append(report.Frames, summary)
			continue
		}
		summary.Entities = len(entities)
		for _, entity := range entities {
			if entity.Teleported {
				summary.Teleports++
			}
		}
		report.Summary.Decoded++
		report.Summary.Teleports += summary.Teleports
		if summary.Entities > report.Summary.Entities {
			report.Summary.Entities = summary.Entities
		}

		//2.- Extrapolate across the simulated gap before applying, as a live observer would.
		if reconciler.State() == reconcile.StateTracking && frame.Tick > previousTick {
			for step := uint64(0); step < (frame.Tick-previousTick)*framesPerStep; step++ {
				reconciler.Extrapolate()
			}
		}
		if result, err := reconciler.Apply(entities); err == nil {
			report.Summary.Snaps += result.Snapped
		}
		previousTick = frame.Tick
		report.Frames = append(report.Frames, summary)
	}
	return report, nil
}

// framesBetween converts simulation ticks into observer frames. Both run at
// 60 Hz unless the header says otherwise.
func framesBetween(header *replay.Header) uint64 {
	if header == nil || header.Simulation.TickRateHz <= 0 || header.Simulation.TickRateHz >= 60 {
		return 1
	}
	return uint64(60 / header.Simulation.TickRateHz)
}
