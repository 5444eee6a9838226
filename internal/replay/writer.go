package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var sessionCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	// EventsFile holds the snappy-compressed JSONL event log.
	EventsFile = "events.jsonl.sz"
	// FramesFile holds the zstd-compressed stream of transmitted frames.
	FramesFile = "frames.bin.zst"
	// ManifestFile describes the bundle layout.
	ManifestFile = "manifest.json"
	// HeaderFile records the seed and simulation parameters.
	HeaderFile = "header.json"

	// FrameHeaderSize prefixes every frame: tick, simulated ms, capture time
	// in unix nanoseconds (u64 each) and payload length (u32), little endian.
	FrameHeaderSize = 8 + 8 + 8 + 4

	frameInterval = 200 * time.Millisecond
)

// Event types written by the server.
const (
	EventSessionStarted = "session_started"
	EventSessionStopped = "session_stopped"
	EventFrameDropped   = "frame_dropped"
	EventFrameDelayed   = "frame_delayed"
	EventConnection     = "connection"
)

// frameBlob stores frame metadata before it is persisted to disk.
type frameBlob struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Payload     []byte
}

// Writer streams session artefacts to disk. Frames are batched and written
// to the zstd stream at a fixed cadence; events are flushed per line.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	closed      bool

	seed       uint64
	simulation SimulationParameters
	frames     int
	events     int
}

// Manifest describes the replay bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	FrameHeaderSize int    `json:"frame_header_size"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
	HeaderPath      string `json:"header_path"`
}

// NewWriter prepares a session directory under root and opens compressed sinks.
func NewWriter(root, sessionID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionCleaner.ReplaceAllString(sessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, EventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(filepath.Join(path, FramesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(frameInterval / time.Millisecond),
		FrameHeaderSize: FrameHeaderSize,
		EventsPath:      EventsFile,
		FramesPath:      FramesFile,
		HeaderPath:      HeaderFile,
	}

	closeAll := func() {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		closeAll()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(path, ManifestFile), data, 0o644); err != nil {
		closeAll()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:         path,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		frameFile:   frameFile,
		frameStream: frameStream,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes a single JSON event line to the compressed event log.
func (w *Writer) AppendEvent(tick uint64, simulatedMs int64, eventType string, payload any) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	record := struct {
		Tick        uint64          `json:"tick"`
		SimulatedMs int64           `json:"simulated_ms"`
		CapturedAt  string          `json:"captured_at"`
		Type        string          `json:"type"`
		Payload     json.RawMessage `json:"payload"`
	}{
		Tick:        tick,
		SimulatedMs: simulatedMs,
		CapturedAt:  captured.Format(time.RFC3339Nano),
		Type:        eventType,
		Payload:     body,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.events++
	return w.eventStream.Flush()
}

// AppendFrame buffers a transmitted frame until the flush cadence is reached.
func (w *Writer) AppendFrame(tick uint64, simulatedMs int64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	//1.- Stage the frame so cadence enforcement can persist batches together.
	w.pending = append(w.pending, frameBlob{Tick: tick, SimulatedMs: simulatedMs, CapturedAt: captured, Payload: clone})
	w.frames++
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= frameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// SetHeaderMetadata configures the header persisted alongside the replay bundle.
func (w *Writer) SetHeaderMetadata(seed uint64, simulation SimulationParameters) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.seed = seed
	w.simulation = simulation
	w.mu.Unlock()
}

// Counts reports how many events and frames were recorded.
func (w *Writer) Counts() (events, frames int) {
	if w == nil {
		return 0, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events, w.frames
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	//1.- Persist pending frames and push them through the encoder.
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.frameStream.Flush(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close writes the header, flushes all buffers and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		Seed:          w.seed,
		Simulation:    w.simulation,
		Frames:        w.frames,
		Events:        w.events,
		FilePointer:   ManifestFile,
	}
	if err := WriteHeader(filepath.Join(w.dir, HeaderFile), header); err != nil && firstErr == nil {
		firstErr = err
	}
	//1.- Attempt every flush/close and surface the first failure for callers to inspect.
	if err := w.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered frames to the zstd stream; callers must hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	header := make([]byte, FrameHeaderSize)
	for i, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.Tick)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.SimulatedMs))
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
		w.pending[i] = frameBlob{}
	}
	w.pending = w.pending[:0]
	return nil
}
