package metrics

import "time"

// Recorder is the metrics surface the scheduler reports through.
// This interface allows for easy mocking and testing of metrics functionality.
type Recorder interface {
	ObserveCycle(workflow, status string, duration time.Duration)
	AddHosts(workflow, outcome string, count int)
	IncrementSkippedFires(workflow, reason string)
	SetBusy(busy bool)
	SetPortScanProgress(active bool, current, total int)
	AddPortScanHosts(status string, count int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveCycle(string, string, time.Duration) {}
func (Nop) AddHosts(string, string, int)               {}
func (Nop) IncrementSkippedFires(string, string)       {}
func (Nop) SetBusy(bool)                               {}
func (Nop) SetPortScanProgress(bool, int, int)         {}
func (Nop) AddPortScanHosts(string, int)               {}

// Ensure that both implementations satisfy Recorder.
var (
	_ Recorder = (*PrometheusMetrics)(nil)
	_ Recorder = Nop{}
)
