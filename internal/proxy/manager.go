package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/episode-sync/internal/metrics"
)

// Config controls where proxies come from and whether they are validated at load time.
type Config struct {
	Direct              bool
	List                []string
	File                string
	Validate            bool
	ValidateMax         int
	ValidateTimeout     time.Duration
	ValidateConcurrency int
	TestURL             string
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total   int  `json:"total"`
	Failed  int  `json:"failed"`
	Active  int  `json:"active"`
	Enabled bool `json:"enabled"`
}

// Manager round-robins proxies and tracks tombstoned entries. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	entries    []Entry
	failed     map[string]struct{}
	cursor     int
	enabled    bool
	transports map[string]http.RoundTripper

	fs      afero.Fs
	checker Checker
	logger  *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithChecker overrides the health checker used during Initialize.
func WithChecker(c Checker) Option {
	return func(m *Manager) {
		m.checker = c
	}
}

// NewManager builds an empty, disabled Manager that reads proxy files from fs.
func NewManager(fs afero.Fs, logger *zap.Logger, opts ...Option) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		failed:     make(map[string]struct{}),
		transports: make(map[string]http.RoundTripper),
		fs:         fs,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize loads entries from the configured sources and optionally validates them.
// Validation never empties the pool: if every tested entry fails the original list is kept.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	entries, err := m.load(cfg)
	if err != nil {
		return err
	}
	if cfg.Direct || len(entries) == 0 {
		m.reset(nil)
		m.logger.Info("proxying disabled, using direct connections",
			zap.Bool("forced", cfg.Direct),
			zap.Int("loaded", len(entries)),
		)
		return nil
	}
	if cfg.Validate {
		entries = m.validate(ctx, cfg, entries)
	}
	m.reset(entries)
	m.logger.Info("proxy pool ready", zap.Int("entries", len(entries)))
	return nil
}

func (m *Manager) load(cfg Config) ([]Entry, error) {
	raw := append([]string(nil), cfg.List...)
	if cfg.File != "" {
		lines, err := readLines(m.fs, cfg.File)
		if err != nil {
			return nil, err
		}
		raw = append(raw, lines...)
	}
	seen := make(map[string]struct{}, len(raw))
	entries := make([]Entry, 0, len(raw))
	for _, line := range raw {
		entry, err := ParseEntry(line)
		if err != nil {
			m.logger.Warn("skipping proxy entry", zap.Error(err))
			continue
		}
		if _, dup := seen[entry.Key()]; dup {
			continue
		}
		seen[entry.Key()] = struct{}{}
		entries = append(entries, entry)
	}
	return entries, nil
}

func readLines(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return lines, nil
}

func (m *Manager) validate(ctx context.Context, cfg Config, entries []Entry) []Entry {
	checker := m.checker
	if checker == nil {
		if cfg.TestURL == "" {
			m.logger.Warn("proxy validation requested without a test url; skipping")
			return entries
		}
		checker = HTTPChecker{TestURL: cfg.TestURL, Timeout: cfg.ValidateTimeout}
	}
	limit := cfg.ValidateMax
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	concurrency := cfg.ValidateConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	tested, untested := entries[:limit], entries[limit:]

	passed := make([]bool, len(tested))
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for i, entry := range tested {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := checker.Check(ctx, entry); err != nil {
				m.logger.Debug("proxy failed validation", zap.Stringer("proxy", entry), zap.Error(err))
				return
			}
			passed[i] = true
		}()
	}
	wg.Wait()

	kept := make([]Entry, 0, len(entries))
	for i, entry := range tested {
		if passed[i] {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		m.logger.Warn("every tested proxy failed validation; keeping the untested list",
			zap.Int("tested", len(tested)),
		)
		return entries
	}
	m.logger.Info("proxy validation finished",
		zap.Int("tested", len(tested)),
		zap.Int("passed", len(kept)),
		zap.Int("untested", len(untested)),
	)
	return append(kept, untested...)
}

func (m *Manager) reset(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.enabled = len(entries) > 0
	m.failed = make(map[string]struct{})
	m.transports = make(map[string]http.RoundTripper)
	m.cursor = 0
	m.publishLocked()
}

// Next returns the next non-tombstoned entry, or nil when proxying is disabled.
// When every entry is tombstoned the tombstones are cleared and the first entry is returned.
func (m *Manager) Next() *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || len(m.entries) == 0 {
		return nil
	}
	n := len(m.entries)
	for i := 0; i < n; i++ {
		idx := (m.cursor + i) % n
		entry := m.entries[idx]
		if _, dead := m.failed[entry.Key()]; dead {
			continue
		}
		m.cursor = (idx + 1) % n
		return &entry
	}
	m.logger.Warn("all proxies tombstoned; resetting pool", zap.Int("entries", n))
	m.failed = make(map[string]struct{})
	m.cursor = 1 % n
	m.publishLocked()
	entry := m.entries[0]
	return &entry
}

// MarkFailed tombstones an entry. Marking an already failed entry is a no-op.
func (m *Manager) MarkFailed(entry *Entry) {
	if entry == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entry.Key()
	if _, dead := m.failed[key]; dead || !m.containsLocked(key) {
		return
	}
	m.failed[key] = struct{}{}
	metrics.ObserveProxyTombstone()
	m.publishLocked()
	m.logger.Info("proxy tombstoned", zap.Stringer("proxy", entry))
}

// TransportFor returns a cached transport bound to entry, or nil for a direct connection.
func (m *Manager) TransportFor(entry *Entry) http.RoundTripper {
	if entry == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.transports[entry.Key()]; ok {
		return rt
	}
	transport, err := NewTransport(*entry)
	if err != nil {
		m.logger.Warn("proxy transport unavailable", zap.Stringer("proxy", entry), zap.Error(err))
		return nil
	}
	m.transports[entry.Key()] = transport
	return transport
}

// Enabled reports whether requests go through proxies.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Stats returns pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) containsLocked(key string) bool {
	for _, e := range m.entries {
		if e.Key() == key {
			return true
		}
	}
	return false
}

func (m *Manager) statsLocked() Stats {
	return Stats{
		Total:   len(m.entries),
		Failed:  len(m.failed),
		Active:  len(m.entries) - len(m.failed),
		Enabled: m.enabled,
	}
}

func (m *Manager) publishLocked() {
	s := m.statsLocked()
	metrics.SetProxyPool(s.Active, s.Failed)
}
