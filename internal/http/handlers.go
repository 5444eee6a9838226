package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	grpcstream "wandersync/internal/grpc"
	"wandersync/internal/logging"
	"wandersync/internal/networking"
	"wandersync/internal/replay"
	"wandersync/internal/simulation"
	"wandersync/internal/transport"
)

// ReadinessProvider exposes server state required for readiness checks.
type ReadinessProvider interface {
	ObserverCounts() (websocket, grpc int)
	StartupError() error
	Uptime() time.Duration
}

// ReplayFlusher forces buffered replay frames to disk and returns the bundle location.
type ReplayFlusher interface {
	FlushReplay(ctx context.Context) (string, error)
}

// ReplayFlusherFunc adapts a function into a ReplayFlusher.
type ReplayFlusherFunc func(ctx context.Context) (string, error)

// FlushReplay implements ReplayFlusher.
func (f ReplayFlusherFunc) FlushReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	// Reserve admits the call or reports how long the caller should wait.
	Reserve() (bool, time.Duration)
}

// Options configures the HandlerSet. Every source is optional; missing ones
// are simply left out of the metrics output.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	Broadcast     func() networking.BroadcastStats
	Ticks         func() simulation.TickStats
	SimulatedTick func() uint64
	Hub           func() transport.HubStats
	Stream        func() grpcstream.ServiceStats
	Bandwidth     *networking.BandwidthRegulator
	Replay        ReplayFlusher
	ReplayStorage func() replay.StorageStats
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
}

// HandlerSet bundles the server operational handlers.
type HandlerSet struct {
	logger        *logging.Logger
	readiness     ReadinessProvider
	broadcast     func() networking.BroadcastStats
	ticks         func() simulation.TickStats
	simulatedTick func() uint64
	hub           func() transport.HubStats
	stream        func() grpcstream.ServiceStats
	bandwidth     *networking.BandwidthRegulator
	replay        ReplayFlusher
	replayStorage func() replay.StorageStats
	adminToken    string
	rateLimiter   RateLimiter
	now           func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:        logger,
		readiness:     opts.Readiness,
		broadcast:     opts.Broadcast,
		ticks:         opts.Ticks,
		simulatedTick: opts.SimulatedTick,
		hub:           opts.Hub,
		stream:        opts.Stream,
		bandwidth:     opts.Bandwidth,
		replay:        opts.Replay,
		replayStorage: opts.ReplayStorage,
		adminToken:    strings.TrimSpace(opts.AdminToken),
		rateLimiter:   opts.RateLimiter,
		now:           now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	trace := logging.HTTPTraceMiddleware(h.logger)
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.Handle("/replay/flush", trace(h.ReplayFlushHandler()))
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports server readiness, including observer counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status           string  `json:"status"`
		Message          string  `json:"message,omitempty"`
		UptimeSeconds    float64 `json:"uptime_seconds"`
		WebsocketClients int     `json:"websocket_clients"`
		GRPCSubscribers  int     `json:"grpc_subscribers"`
		SimulatedTick    uint64  `json:"simulated_tick"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.simulatedTick != nil {
			resp.SimulatedTick = h.simulatedTick()
		}
		if h.readiness != nil {
			resp.WebsocketClients, resp.GRPCSubscribers = h.readiness.ObserverCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if h.readiness != nil {
			writeMetric(w, "wandersync_uptime_seconds", "Server uptime in seconds.", "gauge", fmt.Sprintf("%.0f", h.readiness.Uptime().Seconds()))
		}
		if h.simulatedTick != nil {
			writeMetric(w, "wandersync_simulated_ticks_total", "Simulation steps executed.", "counter", fmt.Sprint(h.simulatedTick()))
		}
		if h.broadcast != nil {
			stats := h.broadcast()
			writeMetric(w, "wandersync_broadcast_attempts_total", "Snapshots offered to the faulty broadcaster.", "counter", fmt.Sprint(stats.Attempts))
			writeMetric(w, "wandersync_broadcast_dropped_total", "Snapshots discarded by simulated loss.", "counter", fmt.Sprint(stats.Dropped))
			writeMetric(w, "wandersync_broadcast_delayed_total", "Snapshots held back by simulated delay.", "counter", fmt.Sprint(stats.Delayed))
			writeMetric(w, "wandersync_broadcast_released_total", "Delayed snapshots released after expiry.", "counter", fmt.Sprint(stats.Released))
			writeMetric(w, "wandersync_broadcast_pending", "Delayed snapshots awaiting release.", "gauge", fmt.Sprint(stats.Pending))
			writeMetric(w, "wandersync_broadcast_bytes_total", "Encoded bytes handed to the transports.", "counter", fmt.Sprint(stats.Bytes))
		}
		if h.ticks != nil {
			ticks := h.ticks()
			writeMetric(w, "wandersync_tick_duration_average_seconds", "Average wall time of a simulation step.", "gauge", fmt.Sprintf("%.6f", ticks.Average.Seconds()))
			writeMetric(w, "wandersync_tick_duration_max_seconds", "Slowest observed simulation step.", "gauge", fmt.Sprintf("%.6f", ticks.Max.Seconds()))
			writeMetric(w, "wandersync_tick_overruns_total", "Simulation steps that took longer than their budget.", "counter", fmt.Sprint(ticks.Overruns))
			writeMetric(w, "wandersync_tick_catchup_max_steps", "Most steps run by one loop iteration to catch up.", "gauge", fmt.Sprint(ticks.MaxBatch))
			if ticks.Budget > 0 {
				writeMetric(w, "wandersync_tick_headroom_ratio", "Unused fraction of the step budget.", "gauge", fmt.Sprintf("%.4f", ticks.Headroom()))
			}
		}
		if h.hub != nil {
			stats := h.hub()
			writeMetric(w, "wandersync_websocket_clients", "Connected WebSocket observers.", "gauge", fmt.Sprint(stats.Clients))
			writeMetric(w, "wandersync_websocket_sent_total", "Frames queued for WebSocket observers.", "counter", fmt.Sprint(stats.Sent))
			writeMetric(w, "wandersync_websocket_dropped_total", "Frames dropped on full WebSocket queues.", "counter", fmt.Sprint(stats.Dropped))
			writeMetric(w, "wandersync_websocket_rejected_total", "WebSocket observers refused because the server was full.", "counter", fmt.Sprint(stats.Rejected))
			writeMetric(w, "wandersync_websocket_unauthorized_total", "WebSocket observers refused for missing or invalid tokens.", "counter", fmt.Sprint(stats.Unauthorized))
		}
		if h.stream != nil {
			stats := h.stream()
			writeMetric(w, "wandersync_grpc_subscribers", "Connected gRPC observers.", "gauge", fmt.Sprint(stats.Subscribers))
			writeMetric(w, "wandersync_grpc_sent_total", "Frames streamed to gRPC observers.", "counter", fmt.Sprint(stats.Sent))
			writeMetric(w, "wandersync_grpc_dropped_total", "Frames dropped on full gRPC queues.", "counter", fmt.Sprint(stats.Dropped))
			writeMetric(w, "wandersync_grpc_rejected_total", "gRPC observers refused because the server was full.", "counter", fmt.Sprint(stats.Rejected))
		}
		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				peers := make([]string, 0, len(usage))
				for peer := range usage {
					peers = append(peers, peer)
				}
				sort.Strings(peers)
				fmt.Fprintf(w, "# HELP wandersync_bandwidth_bytes_per_second Observed outbound bandwidth per observer in bytes per second.\n")
				fmt.Fprintf(w, "# TYPE wandersync_bandwidth_bytes_per_second gauge\n")
				for _, peer := range peers {
					fmt.Fprintf(w, "wandersync_bandwidth_bytes_per_second{peer=%q} %.2f\n", peer, usage[peer].BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP wandersync_bandwidth_denied_total Frames throttled per observer.\n")
				fmt.Fprintf(w, "# TYPE wandersync_bandwidth_denied_total counter\n")
				for _, peer := range peers {
					fmt.Fprintf(w, "wandersync_bandwidth_denied_total{peer=%q} %d\n", peer, usage[peer].DeniedFrames)
				}
			}
		}
		if h.replayStorage != nil {
			stats := h.replayStorage()
			writeMetric(w, "wandersync_replay_sessions", "Replay bundles retained on disk.", "gauge", fmt.Sprint(stats.Sessions))
			writeMetric(w, "wandersync_replay_bytes", "Disk space used by retained replay bundles.", "gauge", fmt.Sprint(stats.Bytes))
			writeMetric(w, "wandersync_replay_last_sweep_removed", "Replay bundles removed by the most recent retention sweep.", "gauge", fmt.Sprint(stats.Removed))
		}
	}
}

func writeMetric(w io.Writer, name, help, kind, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %s\n", name, value)
}

// ReplayFlushHandler authorises and forces pending replay frames to disk.
func (h *HandlerSet) ReplayFlushHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.requestLogger(r).With(
			logging.String("handler", "replay_flush"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay flush denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil {
			if ok, wait := h.rateLimiter.Reserve(); !ok {
				reqLogger.Warn("replay flush denied: rate limit exceeded", logging.Duration("retry_after", wait))
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
		}
		if h.replay == nil {
			reqLogger.Warn("replay flush denied: recording disabled")
			http.Error(w, "replay recording is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.FlushReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay flush failed", logging.Error(err))
			http.Error(w, "failed to flush replay", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay flushed", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// requestLogger prefers the trace-scoped logger installed by the middleware.
func (h *HandlerSet) requestLogger(r *http.Request) *logging.Logger {
	if logging.TraceIDFromContext(r.Context()) != "" {
		return logging.LoggerFromContext(r.Context())
	}
	return h.logger
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
