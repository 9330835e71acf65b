package monitor

import (
	"time"

	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

// checkRolloverLocked commits hour buffers and applies daily/monthly
// resets when the wall clock has crossed an hour or day boundary since
// the engine last looked. Must run before new samples are buffered so
// a sample never lands in the hour it did not belong to.
func (e *Engine) checkRolloverLocked(now time.Time) {
	hour := now.Hour()
	day := dayOf(now)

	if hour != e.trackedHour {
		for code, buffer := range e.buffers {
			buffer.commit(e.servers[code], e.trackedHour)
		}
		e.trackedHour = hour
	}

	if !day.Equal(e.trackedDay) {
		monthReset := day.Day() == 1 && !day.Equal(e.trackedDay)
		for _, status := range e.servers {
			status.CPUHistory.Reset()
			status.RAMHistory.Reset()
			status.GPUHistory.Reset()
			status.NetworkHistory.Reset()
			if monthReset {
				status.UpTime = 0
				status.DownTime = 0
				status.Availability = 0
			}
		}
		// trackedDay only moves forward, so the month reset cannot run
		// twice for the same calendar day.
		e.trackedDay = day
		logutil.Info().Bool("monthReset", monthReset).Msg("daily history reset")
	}
}

// runSweep is one tick of the periodic scheduler: rollover check,
// liveness sweep, then a full snapshot broadcast.
func (e *Engine) runSweep(now time.Time) {
	type mailAlert struct {
		serverCode  string
		serverName  string
		processName string
	}
	var alerts []mailAlert

	e.mu.Lock()
	e.checkRolloverLocked(now)

	for code, status := range e.servers {
		if status.Status == models.StateConnected && now.Sub(status.LastUpdate) > livenessWindow {
			status.Status = models.StateDisconnected
			status.RecomputeAvailability()
		}
		for _, process := range status.Processes {
			if process.Status != models.ProcessRunning {
				continue
			}
			if now.Sub(process.LastUpdate) <= processTimeout(process.Name) {
				continue
			}
			process.Status = models.ProcessStopped
			process.LastUpdate = now
			if isCriticalProcess(process.Name) {
				alerts = append(alerts, mailAlert{code, status.Name, process.Name})
			}
		}
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	// Critical process stops bypass the debounce path: notify and mail
	// immediately. The flip itself guarantees once per stop.
	for _, alert := range alerts {
		e.notifier.EmitConnectivity(alert.serverCode, alert.serverName, models.NotificationProcessStopped, now)
		e.notifier.SendDisconnectedMail(alert.serverName, alert.processName)
	}

	e.broadcaster.BroadcastStatus(snapshot)
}

// accrueUptime is one tick of the minute scheduler: every known server
// gains a minute of uptime or downtime and the counters are persisted.
func (e *Engine) accrueUptime() {
	type persistJob struct {
		code     string
		snapshot *models.ServerStatus
	}
	var jobs []persistJob

	e.mu.Lock()
	for code, status := range e.servers {
		if status.Status == models.StateConnected {
			status.UpTime++
		} else {
			status.DownTime++
		}
		status.RecomputeAvailability()
		jobs = append(jobs, persistJob{code, status.Clone()})
	}
	e.mu.Unlock()

	for _, job := range jobs {
		e.persistMetrics(job.code, job.snapshot)
	}
}
