package config

import (
	"testing"
	"time"
)

func TestParseSimulationArgsDefaults(t *testing.T) {
	args := ParseSimulationArgs(nil)
	if args != DefaultSimulationArgs() {
		t.Fatalf("expected defaults, got %+v", args)
	}
	if args.Count != 100 || args.Radius != 50 || args.LossPercent != 10 || args.DelayPercent != 10 || args.DelayRange != time.Second {
		t.Fatalf("unexpected default values %+v", args)
	}
}

func TestParseSimulationArgsOverrides(t *testing.T) {
	args := ParseSimulationArgs([]string{"-count", "2", "-radius", "12.5", "-loss", "0", "-delay", "25", "-range", "0.25"})
	if args.Count != 2 || args.Radius != 12.5 {
		t.Fatalf("unexpected entity options %+v", args)
	}
	if args.LossPercent != 0 || args.DelayPercent != 25 {
		t.Fatalf("unexpected fault options %+v", args)
	}
	if args.DelayRange != 250*time.Millisecond {
		t.Fatalf("expected 250ms range, got %v", args.DelayRange)
	}
}

func TestParseSimulationArgsSilentlyFallsBack(t *testing.T) {
	args := ParseSimulationArgs([]string{"-count", "many", "-bogus", "7", "-radius", "-3", "-loss"})
	if args != DefaultSimulationArgs() {
		t.Fatalf("malformed options must keep defaults, got %+v", args)
	}
}
