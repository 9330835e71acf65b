package monitor

import (
	"errors"

	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
	"fleetmon/internal/store"
)

// Init handles an agent's init event: binds the connection to the code,
// cancels any pending disconnect debounce, and emits a CONNECTED
// notification. Unknown codes are ignored.
func (e *Engine) Init(code, connID string) {
	now := e.clock.Now()

	e.mu.Lock()
	status := e.lookupLocked(code)
	if status == nil {
		e.mu.Unlock()
		return
	}
	if connID != "" {
		e.conns[connID] = code
	}
	e.cancelDebounceLocked(code)
	status.Status = models.StateConnected
	status.LastUpdate = now
	status.RecomputeAvailability()
	name := status.Name
	e.mu.Unlock()

	e.notifier.EmitConnectivity(code, name, models.NotificationConnected, now)
}

// Update ingests one telemetry sample for a server. Unknown codes are
// silently rejected. The sample lands in the code's hour buffer after
// any due rollover/reset, then the live gauges, connectivity, and
// availability are refreshed and the rollup state persisted.
func (e *Engine) Update(code string, sample models.MetricSample, connID string) {
	now := e.clock.Now()

	e.mu.Lock()
	status := e.lookupLocked(code)
	if status == nil {
		e.mu.Unlock()
		return
	}
	if connID != "" {
		e.conns[connID] = code
	}
	e.cancelDebounceLocked(code)

	e.checkRolloverLocked(now)
	e.buffers[code].add(sample)

	status.CPU = sample.CPU
	status.RAM = sample.RAM
	status.Disk = sample.Disk
	status.GPU = sample.GPU
	status.Network = sample.Network
	status.Status = models.StateConnected
	status.LastUpdate = now
	status.RecomputeAvailability()
	snapshot := status.Clone()
	e.mu.Unlock()

	// Durable write-back is best-effort and off the hot path.
	go e.persistMetrics(code, snapshot)
}

// UpdateProcess records a heartbeat for a named process. Unknown server
// codes and empty names are rejected. A stopped process that reports
// again restarts its running-time accounting.
func (e *Engine) UpdateProcess(code, name, version string) {
	if name == "" {
		return
	}
	now := e.clock.Now()

	e.mu.Lock()
	status := e.lookupLocked(code)
	if status == nil {
		e.mu.Unlock()
		return
	}

	process := status.Process(name)
	if process == nil {
		// The durable record may already list this name even though the
		// in-memory state was seeded before it appeared; Process above
		// is the authoritative duplicate guard under the engine lock.
		process = &models.ProcessStatus{Name: name, StartTime: now}
		status.Processes = append(status.Processes, process)
	} else if process.Status == models.ProcessStopped {
		process.StartTime = now
		process.RunningTime = 0
	}
	process.Version = version
	process.Status = models.ProcessRunning
	process.LastUpdate = now
	process.RunningTime = int64(now.Sub(process.StartTime).Minutes())

	processes := make([]*models.ProcessStatus, len(status.Processes))
	for i, p := range status.Processes {
		cp := *p
		processes[i] = &cp
	}
	e.mu.Unlock()

	go func() {
		if err := e.source.UpdateServerProcesses(code, processes); err != nil {
			logutil.Error().Err(err).Str("server", code).Msg("process persist failed")
		}
	}()
}

// lookupLocked returns the live state for a code, registering it lazily
// from the durable record on first contact. nil means the code is not a
// known server.
func (e *Engine) lookupLocked(code string) *models.ServerStatus {
	if code == "" {
		return nil
	}
	if status, ok := e.servers[code]; ok {
		return status
	}
	record, err := e.source.FindServerByCode(code)
	if err != nil {
		if !errors.Is(err, store.ErrServerNotFound) {
			logutil.Error().Err(err).Str("server", code).Msg("server lookup failed")
		}
		return nil
	}
	e.seedLocked(record)
	return e.servers[code]
}

func (e *Engine) persistMetrics(code string, snapshot *models.ServerStatus) {
	if err := e.source.UpdateServerMetrics(code, snapshot); err != nil {
		logutil.Error().Err(err).Str("server", code).Msg("metric persist failed")
	}
}
