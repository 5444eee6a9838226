package main

import (
	"flag"
	"fmt"
	"os"

	"wandersync/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		sim := entry.Header.Simulation
		fmt.Printf("%s (schema %d)\n", entry.BundleDir, entry.Header.SchemaVersion)
		fmt.Printf("  seed: %d\n", entry.Header.Seed)
		fmt.Printf("  entities: %d  radius: %.1f  tick: %d Hz\n", sim.EntityCount, sim.ArenaRadius, sim.TickRateHz)
		fmt.Printf("  loss: %.1f%%  delay: %.1f%% up to %d ms\n", sim.LossPercent, sim.DelayPercent, sim.MaxDelayMs)
		fmt.Printf("  frames: %d  events: %d\n", entry.Header.Frames, entry.Header.Events)
		fmt.Printf("  manifest: %s\n", entry.Manifest)
	}
}
