// Package tracker records run metrics.
package tracker

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/charmbracelet/log"
)

// Mode selects a tracker implementation.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeLog      Mode = "log"
)

// Config configures a tracker. The zero value logs.
type Config struct {
	Mode Mode `yaml:"mode"`
}

// Tracker receives the metrics of a run.
type Tracker interface {
	LogMetrics(step int, metrics map[string]float64)
	LogSummary(metrics map[string]float64)
	Finish()
}

// New builds the tracker cfg describes, writing to w when it logs.
func (c Config) New(w io.Writer) (Tracker, error) {
	switch c.Mode {
	case ModeDisabled:
		return noop{}, nil
	case "", ModeLog:
		if w == nil {
			w = os.Stderr
		}
		return &logTracker{logger: log.NewWithOptions(w, log.Options{Prefix: "tracker"})}, nil
	default:
		return nil, fmt.Errorf("unknown tracker mode %q", c.Mode)
	}
}

type noop struct{}

func (noop) LogMetrics(int, map[string]float64) {}
func (noop) LogSummary(map[string]float64)      {}
func (noop) Finish()                            {}

type logTracker struct {
	logger   *log.Logger
	summary  map[string]float64
	finished bool
}

// keyvals flattens metrics in key order.
func keyvals(metrics map[string]float64) []any {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	kv := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, metrics[k])
	}
	return kv
}

func (t *logTracker) LogMetrics(step int, metrics map[string]float64) {
	if t.finished {
		return
	}
	t.logger.Info("metrics", append([]any{"step", step}, keyvals(metrics)...)...)
}

func (t *logTracker) LogSummary(metrics map[string]float64) {
	if t.summary == nil {
		t.summary = make(map[string]float64, len(metrics))
	}
	maps.Copy(t.summary, metrics)
}

func (t *logTracker) Finish() {
	if t.finished {
		return
	}
	t.finished = true
	t.logger.Info("summary", keyvals(t.summary)...)
}
