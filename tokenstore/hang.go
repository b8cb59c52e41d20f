package tokenstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	pa "github.com/panyam/pocketauth"
)

const (
	// HangFlagKey is where a detected hang is recorded for the next start
	HangFlagKey = "pocketauth.hang-detected"

	DefaultHangThreshold     = 12 * time.Second
	DefaultHangCheckInterval = 30 * time.Second
)

// HangRecord is the persisted value under HangFlagKey
type HangRecord struct {
	Operation  string    `json:"operation"`
	StartedAt  time.Time `json:"started_at"`
	DetectedAt time.Time `json:"detected_at"`
}

type inflightCall struct {
	op      string
	started time.Time
}

// HangMonitor tracks in-flight auth calls and flags any call that outlives the
// hang threshold. The flag is persisted so that the next start can act on it.
type HangMonitor struct {
	storage   pa.LocalStorage
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]inflightCall
}

// NewHangMonitor creates a monitor persisting its flag to storage.
// threshold <= 0 uses DefaultHangThreshold.
func NewHangMonitor(storage pa.LocalStorage, threshold time.Duration, logger *slog.Logger) *HangMonitor {
	if threshold <= 0 {
		threshold = DefaultHangThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HangMonitor{
		storage:   storage,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[uint64]inflightCall),
	}
}

// Track registers a call as in flight. The returned func must be called when
// the call finishes; calling it more than once is harmless.
func (m *HangMonitor) Track(op string) (done func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.inflight[id] = inflightCall{op: op, started: m.now()}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}
}

// InFlight returns the number of tracked calls
func (m *HangMonitor) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// oldest returns the longest running call, if any
func (m *HangMonitor) oldest() (inflightCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest inflightCall
	found := false
	for _, c := range m.inflight {
		if !found || c.started.Before(oldest.started) {
			oldest = c
			found = true
		}
	}
	return oldest, found
}

// Check records the hang flag if any call has been in flight longer than the
// threshold. It returns true if a hang was detected.
func (m *HangMonitor) Check(ctx context.Context) (bool, error) {
	call, ok := m.oldest()
	if !ok {
		return false, nil
	}
	now := m.now()
	if now.Sub(call.started) <= m.threshold {
		return false, nil
	}

	rec := HangRecord{Operation: call.op, StartedAt: call.started, DetectedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return true, err
	}
	m.logger.WarnContext(ctx, "auth call hang detected",
		"module", "tokenstore",
		"operation", call.op,
		"outcome", "hang",
		"elapsed", now.Sub(call.started),
	)
	return true, m.storage.Set(ctx, HangFlagKey, string(data))
}

// ConsumeHangFlag reports whether a previous run recorded a hang and removes
// the flag. An unreadable flag still counts as a hang.
func (m *HangMonitor) ConsumeHangFlag(ctx context.Context) (*HangRecord, bool, error) {
	v, ok, err := m.storage.Get(ctx, HangFlagKey)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := m.storage.Remove(ctx, HangFlagKey); err != nil {
		return nil, true, err
	}
	var rec HangRecord
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return nil, true, nil
	}
	return &rec, true, nil
}

// Run calls Check every interval until ctx is done
func (m *HangMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHangCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := m.Check(ctx); err != nil {
			m.logger.ErrorContext(ctx, "hang check iteration failed",
				"module", "tokenstore",
				"layer", "worker",
				"operation", "hang_check",
				"outcome", "failure",
				"error", err,
			)
		}
	}
}
