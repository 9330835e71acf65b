// Package models defines the runtime and persisted data structures shared by
// the liveness engine, the log pipeline, and the HTTP/websocket surfaces.
package models

import (
	"math"
	"time"
)

// HistorySlots is the fixed number of hour-of-day slots kept per metric.
const HistorySlots = 24

// ServerState describes the connectivity of a monitored server.
type ServerState string

const (
	StateConnected    ServerState = "connected"
	StateDisconnected ServerState = "disconnected"
)

// ProcessState describes whether a watched process is alive.
type ProcessState string

const (
	ProcessRunning ProcessState = "running"
	ProcessStopped ProcessState = "stopped"
)

// History is a fixed 24-slot sequence of hourly averages indexed by
// hour-of-day. A nil slot means no samples were recorded for that hour.
type History [HistorySlots]*float64

// Set stores a value in the slot for the given hour, rounded to two
// decimal places. Out-of-range hours are ignored.
func (h *History) Set(hour int, value float64) {
	if hour < 0 || hour >= HistorySlots {
		return
	}
	rounded := math.Round(value*100) / 100
	h[hour] = &rounded
}

// At returns the value for the given hour and whether it is set.
func (h *History) At(hour int) (float64, bool) {
	if hour < 0 || hour >= HistorySlots || h[hour] == nil {
		return 0, false
	}
	return *h[hour], true
}

// Reset clears every slot back to "no data".
func (h *History) Reset() {
	for i := range h {
		h[i] = nil
	}
}

// ProcessStatus is the live state of one named process on a server.
// Names are unique within a server.
type ProcessStatus struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Status      ProcessState `json:"status"`
	LastUpdate  time.Time    `json:"lastUpdate"`
	StartTime   time.Time    `json:"startTime"`
	RunningTime int64        `json:"runningTime"` // whole minutes since StartTime
}

// MetricSample is one inbound telemetry reading for a server.
type MetricSample struct {
	CPU     float64 `json:"cpu"`
	RAM     float64 `json:"ram"`
	Disk    float64 `json:"disk"`
	GPU     float64 `json:"gpu"`
	Network float64 `json:"network"`
}

// ServerStatus is the in-memory liveness state for one registered server.
// It is owned and mutated exclusively by the liveness engine; snapshots
// handed to broadcast subscribers are deep copies.
type ServerStatus struct {
	Code string `json:"code"`
	Name string `json:"name"`

	CPU     float64 `json:"cpu"`
	RAM     float64 `json:"ram"`
	Disk    float64 `json:"disk"`
	GPU     float64 `json:"gpu"`
	Network float64 `json:"network"`

	CPUHistory     History `json:"cpuHistory"`
	RAMHistory     History `json:"ramHistory"`
	GPUHistory     History `json:"gpuHistory"`
	NetworkHistory History `json:"networkHistory"`

	Processes []*ProcessStatus `json:"processes"`

	Status ServerState `json:"status"`

	// UpTime and DownTime are whole-minute counters accrued by the
	// engine's minute ticker and zeroed on the first day of each month.
	UpTime   int64 `json:"upTime"`
	DownTime int64 `json:"downTime"`

	// Availability is UpTime/(UpTime+DownTime)*100, or 0 when both
	// counters are zero.
	Availability float64 `json:"availability"`

	LastUpdate time.Time `json:"lastUpdate"`
}

// Process returns the process with the given name, or nil.
func (s *ServerStatus) Process(name string) *ProcessStatus {
	for _, p := range s.Processes {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// RecomputeAvailability refreshes the Availability field from the
// uptime counters.
func (s *ServerStatus) RecomputeAvailability() {
	total := s.UpTime + s.DownTime
	if total == 0 {
		s.Availability = 0
		return
	}
	s.Availability = math.Round(float64(s.UpTime)/float64(total)*100*100) / 100
}

// Clone returns a deep copy safe to hand outside the engine.
func (s *ServerStatus) Clone() *ServerStatus {
	out := *s
	out.Processes = make([]*ProcessStatus, len(s.Processes))
	for i, p := range s.Processes {
		cp := *p
		out.Processes[i] = &cp
	}
	cloneHistory := func(h History) History {
		var c History
		for i, v := range h {
			if v != nil {
				val := *v
				c[i] = &val
			}
		}
		return c
	}
	out.CPUHistory = cloneHistory(s.CPUHistory)
	out.RAMHistory = cloneHistory(s.RAMHistory)
	out.GPUHistory = cloneHistory(s.GPUHistory)
	out.NetworkHistory = cloneHistory(s.NetworkHistory)
	return &out
}
