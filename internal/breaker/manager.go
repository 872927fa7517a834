package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// globalName is the reserved name of the global breaker
const globalName = "_global"

// feature tracks a registered feature and its degradation posture
type feature struct {
	name     string
	priority types.Priority
	breaker  *Breaker
	degraded bool
	fallback types.Operation
}

// ManagerStats is a snapshot of the manager's breakers
type ManagerStats struct {
	Features          map[string]Metrics `json:"features"`
	Global            Metrics            `json:"global"`
	DegradedFeatures  []string           `json:"degraded_features"`
	ProgressiveActive bool               `json:"progressive_active"`
	OpenRatio         float64            `json:"open_ratio"`
}

// Manager owns one circuit breaker per feature plus a global breaker with
// looser thresholds. When the global breaker opens, non-critical features are
// forced into degraded mode; independently, progressive degradation engages
// when too many feature breakers are simultaneously open.
type Manager struct {
	mu     sync.Mutex
	config config.CircuitBreakerConfig
	logger *logging.Logger

	features map[string]*feature
	global   *Breaker

	onStateChange     func(name string, from, to State)
	progressiveActive bool
}

// NewManager creates a circuit breaker manager
func NewManager(cfg config.CircuitBreakerConfig) *Manager {
	m := &Manager{
		config:   cfg,
		logger:   logging.GetLogger(),
		features: make(map[string]*feature),
	}
	m.global = New(m.globalBreakerConfig())
	return m
}

// SetStateChangeCallback installs a hook observing every breaker's state
// transitions, including breakers registered later
func (m *Manager) SetStateChangeCallback(fn func(name string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
	m.global.SetStateChangeCallback(fn)
	for _, f := range m.features {
		f.breaker.SetStateChangeCallback(fn)
	}
}

func (m *Manager) globalBreakerConfig() Config {
	return Config{
		Name:             globalName,
		FailureThreshold: m.config.GlobalFailureThreshold,
		RecoveryTime:     m.config.RecoveryTime,
		SuccessThreshold: m.config.SuccessThreshold,
		MaxFailureRate:   m.config.GlobalMaxFailureRate,
		MinRequests:      m.config.MinRequests,
		WindowSize:       m.config.WindowSize,
		OnStateChange:    m.onStateChange,
	}
}

func (m *Manager) featureBreakerConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: m.config.FailureThreshold,
		RecoveryTime:     m.config.RecoveryTime,
		SuccessThreshold: m.config.SuccessThreshold,
		MaxFailureRate:   m.config.MaxFailureRate,
		MinRequests:      m.config.MinRequests,
		WindowSize:       m.config.WindowSize,
		Timeout:          m.config.Timeout,
		OnStateChange:    m.onStateChange,
	}
}

// Register adds a feature with its priority and optional fallback. Repeat
// registrations update priority and fallback but keep breaker state.
func (m *Manager) Register(name string, priority types.Priority, fallback types.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.features[name]; ok {
		f.priority = priority
		f.fallback = fallback
		return
	}

	m.features[name] = &feature{
		name:     name,
		priority: priority,
		breaker:  New(m.featureBreakerConfig(name)),
		fallback: fallback,
	}
}

// Execute runs the operation through the feature's breaker and the global
// breaker. Degraded features are served their fallback without touching the
// primary path.
func (m *Manager) Execute(ctx context.Context, name string, operation types.Operation, fallback types.Operation) (interface{}, error) {
	m.mu.Lock()
	f, ok := m.features[name]
	if !ok {
		f = &feature{
			name:     name,
			priority: types.PriorityMedium,
			breaker:  New(m.featureBreakerConfig(name)),
		}
		m.features[name] = f
	}
	if fallback == nil {
		fallback = f.fallback
	}
	degraded := f.degraded
	fb := f.breaker
	m.mu.Unlock()

	if degraded {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, errors.NewCircuitOpenError(name).WithDetail("reason", "feature degraded")
	}

	if err := m.global.Allow(); err != nil {
		m.refreshDegradation()
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}

	if err := fb.Allow(); err != nil {
		// The feature breaker rejected before the backend saw anything, so
		// the global reservation is released, not recorded. Fallback results
		// likewise never enter the global window: only primary-path outcomes
		// may move the global failure rate.
		m.global.Release()
		m.refreshDegradation()
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}

	start := time.Now()
	result, err := fb.run(ctx, operation)
	duration := time.Since(start)
	fb.Record(err == nil, duration)
	m.global.Record(err == nil, duration)

	m.refreshDegradation()
	return result, err
}

// refreshDegradation recomputes degraded feature sets from the global breaker
// state and the ratio of open feature breakers
func (m *Manager) refreshDegradation() {
	globalOpen := m.global.State() == StateOpen

	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.features)
	open := 0
	for _, f := range m.features {
		if f.breaker.State() == StateOpen {
			open++
		}
	}

	openRatio := 0.0
	if total > 0 {
		openRatio = float64(open) / float64(total)
	}

	if !m.progressiveActive && openRatio > m.config.ProgressiveEngageRatio {
		m.progressiveActive = true
		m.logger.Warn("Progressive degradation engaged",
			"open_breakers", open,
			"total_breakers", total,
		)
	} else if m.progressiveActive && openRatio < m.config.ProgressiveDisengageRatio {
		m.progressiveActive = false
		m.logger.Info("Progressive degradation disengaged",
			"open_breakers", open,
			"total_breakers", total,
		)
	}

	for _, f := range m.features {
		wasDegraded := f.degraded
		f.degraded = false
		if globalOpen && f.priority != types.PriorityCritical {
			f.degraded = true
		}
		if m.progressiveActive && f.priority == types.PriorityLow {
			f.degraded = true
		}
		if f.degraded != wasDegraded {
			if f.degraded {
				m.logger.Warn("Feature degraded", "feature", f.name, "priority", string(f.priority))
			} else {
				m.logger.Info("Feature recovered from degraded mode", "feature", f.name)
			}
		}
	}
}

// FeatureState returns the breaker state for a feature
func (m *Manager) FeatureState(name string) (State, bool) {
	m.mu.Lock()
	f, ok := m.features[name]
	m.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return f.breaker.State(), true
}

// IsDegraded reports whether a feature is currently degraded
func (m *Manager) IsDegraded(name string) bool {
	m.refreshDegradation()
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.features[name]; ok {
		return f.degraded
	}
	return false
}

// GlobalState returns the global breaker state
func (m *Manager) GlobalState() State {
	return m.global.State()
}

// UpdateConfig pushes new thresholds to every breaker
func (m *Manager) UpdateConfig(cfg config.CircuitBreakerConfig) {
	m.mu.Lock()
	m.config = cfg
	features := make([]*feature, 0, len(m.features))
	for _, f := range m.features {
		features = append(features, f)
	}
	m.mu.Unlock()

	m.global.UpdateConfig(m.globalBreakerConfig())
	for _, f := range features {
		f.breaker.UpdateConfig(m.featureBreakerConfig(f.name))
	}
}

// Stats returns a snapshot of all breakers
func (m *Manager) Stats() ManagerStats {
	m.refreshDegradation()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{
		Features:          make(map[string]Metrics, len(m.features)),
		Global:            m.global.Metrics(),
		ProgressiveActive: m.progressiveActive,
	}

	open := 0
	for name, f := range m.features {
		stats.Features[name] = f.breaker.Metrics()
		if f.breaker.State() == StateOpen {
			open++
		}
		if f.degraded {
			stats.DegradedFeatures = append(stats.DegradedFeatures, name)
		}
	}
	if len(m.features) > 0 {
		stats.OpenRatio = float64(open) / float64(len(m.features))
	}
	return stats
}

// Reset returns every breaker to the closed state
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.global.Reset()
	m.progressiveActive = false
	for _, f := range m.features {
		f.breaker.Reset()
		f.degraded = false
	}
}
