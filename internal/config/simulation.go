package config

import (
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultEntityCount is how many entities the server simulates.
	DefaultEntityCount = 100
	// DefaultArenaRadius bounds the circular arena in world units.
	DefaultArenaRadius float32 = 50
	// DefaultLossPercent is the chance a snapshot is silently dropped.
	DefaultLossPercent = 10.0
	// DefaultDelayPercent is the chance a surviving snapshot is held back.
	DefaultDelayPercent = 10.0
	// DefaultDelayRange caps the sampled hold-back time.
	DefaultDelayRange = time.Second
)

// SimulationArgs holds the server's command line parameters.
type SimulationArgs struct {
	Count        int
	Radius       float32
	LossPercent  float64
	DelayPercent float64
	DelayRange   time.Duration
}

// DefaultSimulationArgs returns the parameters used when no options are given.
func DefaultSimulationArgs() SimulationArgs {
	return SimulationArgs{
		Count:        DefaultEntityCount,
		Radius:       DefaultArenaRadius,
		LossPercent:  DefaultLossPercent,
		DelayPercent: DefaultDelayPercent,
		DelayRange:   DefaultDelayRange,
	}
}

// SimulationUsage documents the recognised options.
const SimulationUsage = "options: -count N -radius M -loss X -delay Y -range Z (N entities, M arena radius, X loss %, Y delay %, Z max delay seconds)"

// ParseSimulationArgs scans args for "-name value" pairs. Unknown options are
// skipped and malformed or missing values keep their defaults; it never fails.
func ParseSimulationArgs(args []string) SimulationArgs {
	parsed := DefaultSimulationArgs()
	for i := 0; i < len(args); i++ {
		name := strings.TrimSpace(args[i])
		if !strings.HasPrefix(name, "-") || i+1 >= len(args) {
			continue
		}
		raw := strings.TrimSpace(args[i+1])
		switch strings.TrimLeft(name, "-") {
		case "count":
			if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
				parsed.Count = value
				i++
			}
		case "radius":
			if value, err := strconv.ParseFloat(raw, 32); err == nil && value > 0 {
				parsed.Radius = float32(value)
				i++
			}
		case "loss":
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				parsed.LossPercent = value
				i++
			}
		case "delay":
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				parsed.DelayPercent = value
				i++
			}
		case "range":
			if value, err := strconv.ParseFloat(raw, 64); err == nil && value >= 0 {
				parsed.DelayRange = time.Duration(value * float64(time.Second))
				i++
			}
		}
	}
	return parsed
}
