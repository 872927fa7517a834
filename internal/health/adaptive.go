package health

import (
	"sync"
	"time"
)

// Recommendation is the adaptive engine's tuning advice for one region.
// Values trend conservative as health degrades and relax as it improves.
type Recommendation struct {
	UploadInterval    time.Duration `json:"upload_interval"`
	BatchSize         int           `json:"batch_size"`
	MaxRetries        int           `json:"max_retries"`
	TimeoutMultiplier float64       `json:"timeout_multiplier"`
	Confidence        float64       `json:"confidence"`
}

// defaultRecommendation is returned for regions with no health history
func defaultRecommendation() Recommendation {
	return Recommendation{
		UploadInterval:    30 * time.Second,
		BatchSize:         50,
		MaxRetries:        3,
		TimeoutMultiplier: 1.0,
		Confidence:        0,
	}
}

type regionHistory struct {
	status     Status
	errorRate  float64
	samples    int
	window     int
	lastUpdate time.Time
}

// adaptiveEngine accumulates per-region health history and derives upload
// cadence, batch size, retry count, and timeout scaling from it
type adaptiveEngine struct {
	mu      sync.Mutex
	regions map[string]*regionHistory
}

func newAdaptiveEngine() *adaptiveEngine {
	return &adaptiveEngine{regions: make(map[string]*regionHistory)}
}

func (e *adaptiveEngine) record(region string, status Status, metrics Metrics, samples, window int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.regions[region]
	if !ok {
		h = &regionHistory{}
		e.regions[region] = h
	}
	h.status = status
	h.errorRate = metrics.ErrorRate
	h.samples = samples
	h.window = window
	h.lastUpdate = time.Now()
}

func (e *adaptiveEngine) recommendation(region string) Recommendation {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.regions[region]
	if !ok {
		return defaultRecommendation()
	}

	rec := defaultRecommendation()
	switch h.status {
	case StatusHealthy:
		rec.UploadInterval = 30 * time.Second
		rec.BatchSize = 50
		rec.MaxRetries = 5
		rec.TimeoutMultiplier = 1.0
	case StatusDegraded:
		rec.UploadInterval = 60 * time.Second
		rec.BatchSize = 25
		rec.MaxRetries = 3
		rec.TimeoutMultiplier = 1.5
	case StatusUnhealthy:
		rec.UploadInterval = 2 * time.Minute
		rec.BatchSize = 10
		rec.MaxRetries = 1
		rec.TimeoutMultiplier = 2.0
	default:
		rec.UploadInterval = 45 * time.Second
		rec.BatchSize = 25
		rec.MaxRetries = 3
		rec.TimeoutMultiplier = 1.25
	}

	// high error rate tightens further even before a status transition
	if h.errorRate > 0.5 && rec.BatchSize > 10 {
		rec.BatchSize /= 2
		rec.UploadInterval *= 2
	}

	rec.Confidence = confidence(h.samples, h.window)
	return rec
}
