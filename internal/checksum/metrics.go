package checksum

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

var (
	// commandsTotal counts dispatched commands.
	// Labels: command (function code name), outcome
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cs",
		Subsystem: "engine",
		Name:      "commands_total",
		Help:      "Commands dispatched by function code and outcome",
	}, []string{"command", "outcome"})

	// cyclesTotal counts background ticks.
	// Labels: result (ran, skipped, disabled)
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cs",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Background cycles by result",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cs",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one background cycle",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})

	passesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cs",
		Subsystem: "scheduler",
		Name:      "passes_total",
		Help:      "Completed round-robin passes over all targets",
	})

	// workersTotal counts worker lifecycle transitions.
	// Labels: kind (recompute, oneshot), result
	workersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cs",
		Subsystem: "worker",
		Name:      "transitions_total",
		Help:      "Worker task lifecycle transitions",
	}, []string{"kind", "result"})

	workerBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cs",
		Subsystem: "worker",
		Name:      "busy",
		Help:      "1 while a recompute or one-shot worker owns the slot",
	})

	// miscomparesTotal counts background checksum mismatches.
	// Labels: target
	miscomparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cs",
		Subsystem: "scheduler",
		Name:      "miscompares_total",
		Help:      "Background checksum mismatches against the stored baseline",
	}, []string{"target"})
)

const cycleWindow = 256

// cycleStats keeps the durations of the most recent background cycles.
type cycleStats struct {
	mu   sync.Mutex
	buf  [cycleWindow]float64
	next int
	n    int
}

func (c *cycleStats) add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf[c.next] = d.Seconds()
	c.next = (c.next + 1) % cycleWindow
	if c.n < cycleWindow {
		c.n++
	}
}

// CycleStats summarises recent cycle durations.
type CycleStats struct {
	Samples int           `json:"samples"`
	Mean    time.Duration `json:"mean_ns"`
	StdDev  time.Duration `json:"stddev_ns"`
}

func (c *cycleStats) summary() CycleStats {
	c.mu.Lock()
	xs := make([]float64, c.n)
	copy(xs, c.buf[:c.n])
	c.mu.Unlock()

	if len(xs) == 0 {
		return CycleStats{}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	if len(xs) == 1 {
		std = 0
	}
	return CycleStats{
		Samples: len(xs),
		Mean:    time.Duration(mean * float64(time.Second)),
		StdDev:  time.Duration(std * float64(time.Second)),
	}
}
