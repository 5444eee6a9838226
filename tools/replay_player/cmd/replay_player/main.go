package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"wandersync/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "Path to a replay directory or manifest.json")
	withFrames := flag.Bool("frames", false, "Include per-frame summaries")
	withEvents := flag.Bool("events", true, "Include the event log")
	schema := flag.Bool("schema", false, "Print the JSON schema of the report and exit")
	flag.Parse()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if *schema {
		if err := enc.Encode(replayplayer.Schema()); err != nil {
			fmt.Fprintln(os.Stderr, "encode error:", err)
			os.Exit(3)
		}
		return
	}

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	report, err := replayplayer.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}
	if !*withFrames {
		report.Frames = nil
	}
	if !*withEvents {
		report.Events = nil
	}

	//1.- Render the report as JSON so callers can pipe the output elsewhere.
	if err := enc.Encode(report); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
