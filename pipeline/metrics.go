package pipeline

import (
	"fmt"
	"time"
)

// StageMetrics counts the items a stage saw and how they fared.
type StageMetrics struct {
	Name      string
	Processed int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// SuccessRate is Succeeded/Processed, or 1 for an idle stage.
func (m StageMetrics) SuccessRate() float64 {
	if m.Processed == 0 {
		return 1
	}
	return float64(m.Succeeded) / float64(m.Processed)
}

// Report is the aggregate outcome of one pipeline run. It is always
// produced, partial failure included; only a stage that empties out turns
// the run into StateFailed.
type Report struct {
	State         State
	FailedStage   string
	Stages        []StageMetrics
	Stored        int
	FailedBatches int
	Started       time.Time
	Finished      time.Time
}

func (r *Report) addStage(m StageMetrics) {
	r.Stages = append(r.Stages, m)
}

// Stage returns the metrics recorded under name, if any.
func (r *Report) Stage(name string) (StageMetrics, bool) {
	for _, m := range r.Stages {
		if m.Name == name {
			return m, true
		}
	}
	return StageMetrics{}, false
}

func (r *Report) Summary() string {
	out := fmt.Sprintf("state=%s", r.State)
	if r.FailedStage != "" {
		out += fmt.Sprintf(" failed_stage=%s", r.FailedStage)
	}
	for _, m := range r.Stages {
		out += fmt.Sprintf(" %s=%d/%d", m.Name, m.Succeeded, m.Processed)
	}
	out += fmt.Sprintf(" stored=%d failed_batches=%d elapsed=%s",
		r.Stored, r.FailedBatches, r.Finished.Sub(r.Started).Round(time.Millisecond))
	return out
}

// stageTimer records one stage's metrics as work is attributed to it.
type stageTimer struct {
	metrics StageMetrics
	began   time.Time
}

func startStage(name string) *stageTimer {
	return &stageTimer{
		metrics: StageMetrics{Name: name},
		began:   time.Now(),
	}
}

func (t *stageTimer) success(n int) {
	t.metrics.Processed += n
	t.metrics.Succeeded += n
}

func (t *stageTimer) failure(n int) {
	t.metrics.Processed += n
	t.metrics.Failed += n
}

func (t *stageTimer) done() StageMetrics {
	t.metrics.Duration = time.Since(t.began)
	return t.metrics
}
