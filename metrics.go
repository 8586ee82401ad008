package taskwire

import (
	"sync"
	"time"
)

// Stats is a snapshot of the processor's lifetime counters.
// Total always equals Successful + Failed; tasks still running are counted in InFlight only.
type Stats struct {
	Total                int64   `json:"total_tasks"`
	Successful           int64   `json:"successful_tasks"`
	Failed               int64   `json:"failed_tasks"`
	InFlight             int64   `json:"in_flight"`
	TotalExecutionTime   float64 `json:"total_execution_time"`   // seconds, successful tasks only
	AverageExecutionTime float64 `json:"average_execution_time"` // seconds
	SuccessRate          float64 `json:"success_rate"`           // percent
}

// metrics guards the counters behind Stats. It is never reset.
type metrics struct {
	mu         sync.Mutex
	total      int64
	successful int64
	failed     int64
	inFlight   int64
	execTime   time.Duration
}

func (m *metrics) begin() {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
}

func (m *metrics) finish(elapsed time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	m.total++
	if success {
		m.successful++
		m.execTime += elapsed
	} else {
		m.failed++
	}
}

func (m *metrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Total:              m.total,
		Successful:         m.successful,
		Failed:             m.failed,
		InFlight:           m.inFlight,
		TotalExecutionTime: m.execTime.Seconds(),
	}
	if m.total > 0 {
		s.AverageExecutionTime = s.TotalExecutionTime / float64(m.total)
		s.SuccessRate = float64(m.successful) / float64(m.total) * 100
	}
	return s
}
