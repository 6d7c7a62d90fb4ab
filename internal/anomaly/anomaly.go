// Package anomaly flags executions whose metrics deviate from a rolling
// baseline of recent healthy runs.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Sample is one execution's observed metrics.
type Sample struct {
	Duration     time.Duration `json:"duration"`
	MemoryPeakMB int64         `json:"memory_peak_mb"`
	ObservedAt   time.Time     `json:"observed_at"`
}

// Report is the outcome of comparing one execution against the baseline.
type Report struct {
	Anomalous     bool     `json:"anomalous"`
	Reasons       []string `json:"reasons,omitempty"`
	BaselineSize  int      `json:"baseline_size"`
	DurationSigma float64  `json:"duration_sigma"`
	MemorySigma   float64  `json:"memory_sigma"`
}

// Config controls detection thresholds.
type Config struct {
	SigmaThreshold float64       // deviation in standard deviations; default 3
	HardCeiling    time.Duration // duration ceiling applied regardless of baseline
	Capacity       int           // max samples retained, oldest evicted first
	MinSamples     int           // below this the baseline is too small for sigma tests
}

// Detector keeps a bounded rolling baseline. Reads take an atomic snapshot;
// the single mutation path (recording a healthy sample) copies and swaps, so
// a concurrent read never sees a half-updated sample set.
type Detector struct {
	sigma       float64
	hardCeiling time.Duration
	capacity    int
	minSamples  int

	writeMu  sync.Mutex
	snapshot atomic.Pointer[[]Sample]
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	if cfg.SigmaThreshold <= 0 {
		cfg.SigmaThreshold = 3
	}
	if cfg.HardCeiling <= 0 {
		cfg.HardCeiling = 2 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 500
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}

	d := &Detector{
		sigma:       cfg.SigmaThreshold,
		hardCeiling: cfg.HardCeiling,
		capacity:    cfg.Capacity,
		minSamples:  cfg.MinSamples,
	}
	empty := make([]Sample, 0)
	d.snapshot.Store(&empty)
	return d
}

// Analyze compares a completed execution against the baseline and, when the
// sample is healthy, folds it in. Anomalous samples never update the
// baseline, so it cannot drift toward pathological behavior.
func (d *Detector) Analyze(sample Sample) Report {
	baseline := *d.snapshot.Load()
	report := Report{BaselineSize: len(baseline)}

	// The hard ceiling protects small-sample baselines from producing a
	// useless sigma threshold.
	if sample.Duration > d.hardCeiling {
		report.Anomalous = true
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("duration %s exceeds hard ceiling %s", sample.Duration, d.hardCeiling))
	}

	if len(baseline) >= d.minSamples {
		durMean, durStd := durationStats(baseline)
		memMean, memStd := memoryStats(baseline)

		report.DurationSigma = sigmaDeviation(float64(sample.Duration), durMean, durStd)
		report.MemorySigma = sigmaDeviation(float64(sample.MemoryPeakMB), memMean, memStd)

		if report.DurationSigma > d.sigma {
			report.Anomalous = true
			report.Reasons = append(report.Reasons,
				fmt.Sprintf("duration deviates %.1f sigma from baseline", report.DurationSigma))
		}
		if report.MemorySigma > d.sigma {
			report.Anomalous = true
			report.Reasons = append(report.Reasons,
				fmt.Sprintf("memory peak deviates %.1f sigma from baseline", report.MemorySigma))
		}
	}

	if report.Anomalous {
		log.Warn().
			Strs("reasons", report.Reasons).
			Dur("duration", sample.Duration).
			Int64("memory_peak_mb", sample.MemoryPeakMB).
			Msg("anomalous execution detected")
		return report
	}

	d.record(sample)
	return report
}

// Size returns the current baseline sample count.
func (d *Detector) Size() int {
	return len(*d.snapshot.Load())
}

func (d *Detector) record(sample Sample) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	old := *d.snapshot.Load()
	updated := make([]Sample, 0, len(old)+1)
	if len(old) >= d.capacity {
		updated = append(updated, old[len(old)-d.capacity+1:]...)
	} else {
		updated = append(updated, old...)
	}
	updated = append(updated, sample)
	d.snapshot.Store(&updated)
}

func durationStats(samples []Sample) (mean, std float64) {
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = float64(s.Duration)
	}
	return stats(vals)
}

func memoryStats(samples []Sample) (mean, std float64) {
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = float64(s.MemoryPeakMB)
	}
	return stats(vals)
}

func stats(vals []float64) (mean, std float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}

func sigmaDeviation(value, mean, std float64) float64 {
	if std == 0 {
		if value == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(value-mean) / std
}
