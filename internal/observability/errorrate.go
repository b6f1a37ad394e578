package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/tripgate/internal/config"
)

const (
	defaultErrorRateWindow    = 300 * time.Second
	defaultErrorRateThreshold = 0.5
	defaultErrorRateSamples   = 5
)

// ErrorRateMonitor tracks booking provider outcomes per key (the booking
// domain) over a sliding window. When a key's error ratio crosses the
// threshold it logs a warning and Check fails, which marks the service
// not ready.
type ErrorRateMonitor struct {
	mu         sync.Mutex
	windows    map[string]*slidingWindow
	window     time.Duration
	threshold  float64
	minSamples int
	alerting   map[string]bool
	now        func() time.Time
	logger     *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
}

type windowEntry struct {
	timestamp time.Time
	failed    bool
}

// NewErrorRateMonitor creates a monitor from config, applying defaults for
// unset fields.
func NewErrorRateMonitor(cfg *config.ErrorRateConfig, logger *slog.Logger) *ErrorRateMonitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &ErrorRateMonitor{
		windows:    make(map[string]*slidingWindow),
		window:     defaultErrorRateWindow,
		threshold:  defaultErrorRateThreshold,
		minSamples: defaultErrorRateSamples,
		alerting:   make(map[string]bool),
		now:        time.Now,
		logger:     logger,
	}
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			m.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		if cfg.Threshold > 0 {
			m.threshold = cfg.Threshold
		}
		if cfg.MinSamples > 0 {
			m.minSamples = cfg.MinSamples
		}
	}
	return m
}

// Record adds one outcome for key.
func (m *ErrorRateMonitor) Record(key string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok {
		w = &slidingWindow{}
		m.windows[key] = w
	}
	w.entries = append(w.entries, windowEntry{timestamp: now, failed: err != nil})
	w.prune(now.Add(-m.window))

	rate, total := w.rate()
	over := total >= m.minSamples && rate > m.threshold
	if over && !m.alerting[key] {
		m.logger.Warn("booking provider error rate above threshold",
			slog.String("domain", key),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", m.threshold),
			slog.Int("samples", total),
		)
	}
	m.alerting[key] = over
}

// Rate returns the current error ratio and sample count for key.
func (m *ErrorRateMonitor) Rate(key string) (float64, int) {
	if m == nil {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		return 0, 0
	}
	w.prune(m.now().Add(-m.window))
	return w.rate()
}

// Check is a readiness check: it fails while any key is above the threshold.
func (m *ErrorRateMonitor) Check(_ context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.window)
	var failing []string
	for key, w := range m.windows {
		w.prune(cutoff)
		rate, total := w.rate()
		if total >= m.minSamples && rate > m.threshold {
			failing = append(failing, fmt.Sprintf("%s=%.2f", key, rate))
		}
	}
	if len(failing) == 0 {
		return nil
	}
	sort.Strings(failing)
	return fmt.Errorf("provider error rate above %.2f: %s", m.threshold, strings.Join(failing, ", "))
}

func (w *slidingWindow) rate() (float64, int) {
	if len(w.entries) == 0 {
		return 0, 0
	}
	failed := 0
	for _, e := range w.entries {
		if e.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.entries)), len(w.entries)
}

// prune removes entries older than cutoff. Entries are appended in time order.
func (w *slidingWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
