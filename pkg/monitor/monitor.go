package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/resilix/resilix/pkg/errors"
	"github.com/resilix/resilix/pkg/logging"
)

// Sampler measures the current usage ratio of a resource in [0, 1+].
// Returning an error marks the resource unavailable.
type Sampler func(ctx context.Context) (float64, error)

// ChangeCallback is invoked synchronously on every status transition
type ChangeCallback func(old, new Snapshot)

// Config holds monitor configuration
type Config struct {
	DefaultInterval time.Duration `json:"default_interval"`
}

// DefaultConfig returns default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultInterval: 30 * time.Second,
	}
}

// Monitor samples registered resources on fixed intervals and classifies
// their usage against thresholds. Each resource runs its own sampling
// goroutine; snapshots are updated under a per-resource lock.
type Monitor struct {
	mu        sync.RWMutex
	resources map[ResourceType]*resourceEntry
	config    *Config
	logger    *logging.Logger

	// OnSample, if set, observes every completed sampling cycle
	OnSample func(Snapshot)

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type resourceEntry struct {
	mu         sync.RWMutex
	typ        ResourceType
	sampler    Sampler
	thresholds Thresholds
	interval   time.Duration
	snapshot   Snapshot
	callbacks  []ChangeCallback
}

// Handle identifies a registered resource within a Monitor
type Handle struct {
	monitor *Monitor
	typ     ResourceType
}

// Type returns the resource type behind the handle
func (h *Handle) Type() ResourceType { return h.typ }

// CurrentStatus returns the latest snapshot for the handle's resource
func (h *Handle) CurrentStatus() (Snapshot, error) {
	return h.monitor.CurrentStatus(h.typ)
}

// OnChange registers a callback for the handle's resource
func (h *Handle) OnChange(cb ChangeCallback) error {
	return h.monitor.OnChange(h.typ, cb)
}

// RegisterOption customizes a resource registration
type RegisterOption func(*resourceEntry)

// WithInterval overrides the sampling interval for one resource
func WithInterval(d time.Duration) RegisterOption {
	return func(e *resourceEntry) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithContext attaches static context to the resource's snapshots
func WithContext(ctx map[string]string) RegisterOption {
	return func(e *resourceEntry) {
		e.snapshot.Context = ctx
	}
}

// New creates a resource monitor
func New(config *Config, logger *logging.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Monitor{
		resources: make(map[ResourceType]*resourceEntry),
		config:    config,
		logger:    logger,
	}
}

// Register adds a resource to the monitor. Thresholds may be zero-valued
// to use the defaults. Registration after Start begins sampling immediately.
func (m *Monitor) Register(typ ResourceType, sampler Sampler, thresholds Thresholds, opts ...RegisterOption) (*Handle, error) {
	if sampler == nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("sampler for resource %s is required", typ))
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	if err := thresholds.Validate(); err != nil {
		return nil, errors.NewConfigurationError(err.Error()).WithDetail("resource_type", string(typ))
	}

	entry := &resourceEntry{
		typ:        typ,
		sampler:    sampler,
		thresholds: thresholds,
		interval:   m.config.DefaultInterval,
		snapshot: Snapshot{
			Type:       typ,
			Status:     StatusHealthy,
			MeasuredAt: time.Now(),
		},
	}
	for _, opt := range opts {
		opt(entry)
	}

	m.mu.Lock()
	if _, exists := m.resources[typ]; exists {
		m.mu.Unlock()
		return nil, errors.NewConflictError(fmt.Sprintf("resource %s is already registered", typ))
	}
	m.resources[typ] = entry
	running := m.running
	stopCh := m.stopCh
	m.mu.Unlock()

	if running {
		m.wg.Add(1)
		go m.sampleLoop(entry, stopCh)
	}

	return &Handle{monitor: m, typ: typ}, nil
}

// OnChange registers a status-transition callback for a resource
func (m *Monitor) OnChange(typ ResourceType, cb ChangeCallback) error {
	m.mu.RLock()
	entry, ok := m.resources[typ]
	m.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("resource %s", typ))
	}

	entry.mu.Lock()
	entry.callbacks = append(entry.callbacks, cb)
	entry.mu.Unlock()
	return nil
}

// CurrentStatus returns the last completed snapshot for a resource.
// It never blocks on an in-flight sampling cycle.
func (m *Monitor) CurrentStatus(typ ResourceType) (Snapshot, error) {
	m.mu.RLock()
	entry, ok := m.resources[typ]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, errors.NewNotFoundError(fmt.Sprintf("resource %s", typ))
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.snapshot.clone(), nil
}

// Snapshots returns the latest snapshot of every registered resource,
// sorted by resource type
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	entries := make([]*resourceEntry, 0, len(m.resources))
	for _, e := range m.resources {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.snapshot.clone())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Restore seeds snapshots for already-registered resources, used for
// restart recovery. Unregistered types are ignored.
func (m *Monitor) Restore(snapshots []Snapshot) {
	for _, snap := range snapshots {
		m.mu.RLock()
		entry, ok := m.resources[snap.Type]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		entry.snapshot = snap.clone()
		entry.mu.Unlock()
	}
}

// RecordUsage injects an out-of-band measurement for a resource, applying
// the same classification and callbacks as a sampled cycle
func (m *Monitor) RecordUsage(typ ResourceType, ratio float64) error {
	m.mu.RLock()
	entry, ok := m.resources[typ]
	m.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError(fmt.Sprintf("resource %s", typ))
	}

	m.applySample(entry, ratio, nil)
	return nil
}

// Start begins sampling all registered resources
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.NewValidationError("monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	entries := make([]*resourceEntry, 0, len(m.resources))
	for _, e := range m.resources {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.wg.Add(1)
		go m.sampleLoop(e, stopCh)
	}

	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// Stop halts all sampling loops and waits for them to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) sampleLoop(entry *resourceEntry, stopCh chan struct{}) {
	defer m.wg.Done()

	m.sampleOnce(entry)

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sampleOnce(entry)
		}
	}
}

func (m *Monitor) sampleOnce(entry *resourceEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), entry.interval)
	defer cancel()

	ratio, err := runSampler(ctx, entry.sampler)
	m.applySample(entry, ratio, err)
}

// runSampler shields the sampling loop from sampler panics
func runSampler(ctx context.Context, sampler Sampler) (ratio float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampler panicked: %v", r)
		}
	}()
	return sampler(ctx)
}

func (m *Monitor) applySample(entry *resourceEntry, ratio float64, sampleErr error) {
	entry.mu.Lock()
	old := entry.snapshot.clone()

	next := Snapshot{
		Type:       entry.typ,
		MeasuredAt: time.Now(),
		Context:    old.Context,
	}

	if sampleErr != nil {
		next.Status = StatusUnavailable
		next.UsageRatio = old.UsageRatio
	} else {
		next.Status = classify(old.Status, ratio, entry.thresholds)
		next.UsageRatio = ratio
	}

	entry.snapshot = next
	callbacks := make([]ChangeCallback, len(entry.callbacks))
	copy(callbacks, entry.callbacks)
	entry.mu.Unlock()

	if sampleErr != nil {
		m.logger.Warn("Resource sampler failed",
			"resource_type", string(entry.typ),
			"error", sampleErr.Error(),
		)
	}

	if next.Status != old.Status {
		m.logger.Info("Resource status changed",
			"resource_type", string(entry.typ),
			"from", old.Status.String(),
			"to", next.Status.String(),
			"usage_ratio", next.UsageRatio,
		)
		for _, cb := range callbacks {
			cb(old, next.clone())
		}
	}

	if m.OnSample != nil {
		m.OnSample(next.clone())
	}
}

// classify maps a usage ratio to a status. Escalation happens as soon as a
// threshold is crossed; de-escalation out of a band requires the ratio to
// drop below that band's threshold minus the hysteresis margin.
func classify(prev ResourceStatus, ratio float64, th Thresholds) ResourceStatus {
	target := rawStatus(ratio, th)
	if target >= prev {
		return target
	}

	current := prev
	for current > target {
		if ratio < bandThreshold(current, th)-th.Hysteresis {
			current--
		} else {
			break
		}
	}
	return current
}

func rawStatus(ratio float64, th Thresholds) ResourceStatus {
	switch {
	case ratio >= th.Unavailable:
		return StatusUnavailable
	case ratio >= th.Critical:
		return StatusCritical
	case ratio >= th.Warning:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func bandThreshold(s ResourceStatus, th Thresholds) float64 {
	switch s {
	case StatusUnavailable:
		return th.Unavailable
	case StatusCritical:
		return th.Critical
	case StatusWarning:
		return th.Warning
	default:
		return 0
	}
}
