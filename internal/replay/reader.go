package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Event is a single decoded line of the event log.
type Event struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Type        string
	Payload     json.RawMessage
}

// Frame is a single transmitted snapshot frame from the frame stream.
type Frame struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Payload     []byte
}

// Bundle is a fully loaded replay directory. Header is nil while the session
// that produced the bundle is still running.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Header   *Header
	Events   []Event
	Frames   []Frame
}

// ReadBundle loads a replay bundle from its directory or manifest path.
func ReadBundle(path string) (Bundle, error) {
	if path == "" {
		return Bundle{}, fmt.Errorf("path is required")
	}

	//1.- Locate the manifest so downstream parsing reuses relative asset paths.
	manifestPath := path
	info, err := os.Stat(path)
	if err != nil {
		return Bundle{}, err
	}
	if info.IsDir() {
		manifestPath = filepath.Join(path, ManifestFile)
	}
	dir := filepath.Dir(manifestPath)

	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return Bundle{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return Bundle{}, err
	}
	if manifest.Version != 1 {
		return Bundle{}, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	bundle := Bundle{Dir: dir, Manifest: manifest}

	//2.- The header only exists once the session closed cleanly.
	headerPath := manifest.HeaderPath
	if headerPath == "" {
		headerPath = HeaderFile
	}
	header, err := ReadHeader(filepath.Join(dir, headerPath))
	switch {
	case err == nil:
		bundle.Header = &header
	case !errors.Is(err, fs.ErrNotExist):
		return Bundle{}, fmt.Errorf("read header: %w", err)
	}

	if bundle.Events, err = readEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return Bundle{}, fmt.Errorf("read events: %w", err)
	}
	if bundle.Frames, err = readFrames(filepath.Join(dir, manifest.FramesPath)); err != nil {
		return Bundle{}, fmt.Errorf("read frames: %w", err)
	}
	return bundle, nil
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw struct {
			Tick        uint64          `json:"tick"`
			SimulatedMs int64           `json:"simulated_ms"`
			CapturedAt  string          `json:"captured_at"`
			Type        string          `json:"type"`
			Payload     json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, raw.CapturedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{
			Tick:        raw.Tick,
			SimulatedMs: raw.SimulatedMs,
			CapturedAt:  captured,
			Type:        raw.Type,
			Payload:     raw.Payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func readFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return DecodeFrames(payload)
}

// DecodeFrames splits a decompressed frame stream into frames.
func DecodeFrames(raw []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0
	for offset < len(raw) {
		if offset+FrameHeaderSize > len(raw) {
			return nil, fmt.Errorf("frame header truncated at offset %d", offset)
		}
		tick := binary.LittleEndian.Uint64(raw[offset : offset+8])
		sim := int64(binary.LittleEndian.Uint64(raw[offset+8 : offset+16]))
		captured := int64(binary.LittleEndian.Uint64(raw[offset+16 : offset+24]))
		size := int(binary.LittleEndian.Uint32(raw[offset+24 : offset+28]))
		offset += FrameHeaderSize
		if offset+size > len(raw) {
			return nil, fmt.Errorf("frame payload truncated at offset %d", offset)
		}
		frames = append(frames, Frame{
			Tick:        tick,
			SimulatedMs: sim,
			CapturedAt:  time.Unix(0, captured).UTC(),
			Payload:     append([]byte(nil), raw[offset:offset+size]...),
		})
		offset += size
	}
	return frames, nil
}
