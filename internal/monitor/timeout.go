package monitor

import (
	"strings"
	"time"
)

const (
	// defaultProcessTimeout covers ordinary heartbeating processes.
	defaultProcessTimeout = 60 * time.Second

	// criticalProcessTimeout covers long-poll processes that report
	// infrequently by design.
	criticalProcessTimeout = 120 * time.Second

	// agentProcessTimeout covers collector agents that heartbeat every
	// few seconds.
	agentProcessTimeout = 15 * time.Second
)

// criticalProcesses report on a long-poll cadence and page operators
// (notification + mail) the moment they flip to stopped.
var criticalProcesses = map[string]bool{
	"AI-SERVER": true,
}

// isCriticalProcess reports whether a stopped process triggers the
// immediate disconnect side-effect.
func isCriticalProcess(name string) bool {
	return criticalProcesses[strings.ToUpper(name)]
}

// processTimeout returns the liveness window for a process name:
// critical long-poll processes get 120s, short-interval collector
// agents 15s, everything else 60s.
func processTimeout(name string) time.Duration {
	upper := strings.ToUpper(name)
	if criticalProcesses[upper] {
		return criticalProcessTimeout
	}
	if strings.HasSuffix(upper, "-AGENT") || strings.HasPrefix(upper, "AGENT-") {
		return agentProcessTimeout
	}
	return defaultProcessTimeout
}
