package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 1

// SimulationParameters records the tunables a session ran with, enough to
// rerun it from the seed.
type SimulationParameters struct {
	EntityCount  int     `json:"entity_count"`
	ArenaRadius  float32 `json:"arena_radius"`
	LossPercent  float64 `json:"loss_percent"`
	DelayPercent float64 `json:"delay_percent"`
	MaxDelayMs   int64   `json:"max_delay_ms"`
	TickRateHz   int     `json:"tick_rate_hz"`
	MaxSpeed     float32 `json:"max_speed"`
	WanderJitter float32 `json:"wander_jitter"`
	WanderRadius float32 `json:"wander_radius"`
	WanderOffset float32 `json:"wander_offset"`
}

// Header represents the metadata persisted alongside a replay bundle.
type Header struct {
	SchemaVersion int                  `json:"schema_version"`
	Seed          uint64               `json:"seed"`
	Simulation    SimulationParameters `json:"simulation"`
	Frames        int                  `json:"frames"`
	Events        int                  `json:"events"`
	FilePointer   string               `json:"file_pointer"`
}

// Validate ensures the header contains enough information for replay tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	if h.Simulation.EntityCount < 0 {
		return fmt.Errorf("simulation.entity_count must not be negative")
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	//1.- Encode using indented JSON so manual inspection remains readable.
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	//2.- Terminate with a newline so POSIX tooling can append easily.
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a replay header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
