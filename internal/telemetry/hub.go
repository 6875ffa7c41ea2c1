package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/ppsrx/internal/logging"
)

// Stage is a step of the acquisition pipeline.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageLockWait  Stage = "lock_wait"
	StageAligning  Stage = "aligning"
	StageScheduled Stage = "scheduled"
	StageStreaming Stage = "streaming"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	defaultHistoryLimit = 500
)

// Event is a single pipeline status update.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Stage       Stage     `json:"stage"`
	Message     string    `json:"message,omitempty"`
	Blocks      int       `json:"blocks,omitempty"`
	Samples     uint64    `json:"samples,omitempty"`
	DeviceTime  string    `json:"deviceTime,omitempty"`
	SkewSeconds float64   `json:"skewSeconds,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Status is the current pipeline state as served by /api/status.
type Status struct {
	Stage      Stage     `json:"stage"`
	Since      time.Time `json:"since"`
	Blocks     int       `json:"blocks"`
	Samples    uint64    `json:"samples"`
	DeviceTime string    `json:"deviceTime,omitempty"`
	Skew       float64   `json:"skewSeconds"`
	LastError  string    `json:"lastError,omitempty"`
	Events     uint64    `json:"events"`
}

// Reporter receives pipeline events.
type Reporter interface {
	Report(e Event)
}

// MultiReporter fans out events to multiple destinations.
type MultiReporter []Reporter

func (m MultiReporter) Report(e Event) {
	for _, r := range m {
		if r != nil {
			r.Report(e)
		}
	}
}

// Hub collects history and fans out events to live subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Event
	historyLimit int
	subscribers  map[chan Event]struct{}
	status       Status
	logger       logging.Logger
	now          func() time.Time
}

// NewHub builds a hub keeping at most historyLimit events. Out of range
// limits fall back to the default.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit < minHistoryLimit || historyLimit > maxHistoryLimit {
		historyLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Event]struct{}),
		logger:       logger.With(logging.F("subsystem", "telemetry")),
		now:          time.Now,
	}
	h.status = Status{Stage: StageIdle, Since: h.now()}
	return h
}

// Report records e and forwards it to subscribers. Slow subscribers miss
// events rather than stall the pipeline.
func (h *Hub) Report(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, e)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	h.apply(e)
	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) apply(e Event) {
	s := &h.status
	s.Events++
	if e.Stage != "" && e.Stage != s.Stage {
		s.Stage = e.Stage
		s.Since = e.Timestamp
	}
	if e.Blocks > 0 {
		s.Blocks = e.Blocks
	}
	if e.Samples > 0 {
		s.Samples = e.Samples
	}
	if e.DeviceTime != "" {
		s.DeviceTime = e.DeviceTime
	}
	if e.SkewSeconds != 0 {
		s.Skew = e.SkewSeconds
	}
	if e.Error != "" {
		s.LastError = e.Error
	}
}

// History returns a copy of stored events.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Status())
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	for _, e := range h.History() {
		if err := writeEvent(w, e); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				h.logger.Debug("live subscriber gone", logging.F("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
