package monitor

import (
	"fleetmon/internal/clock"
	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

// debounceEntry is the per-code handle for a pending disconnect timer.
// The entry pointer doubles as the cancellation token: when the timer
// fires, the callback only acts if the engine's map still holds this
// exact entry. Cancellation removes the entry under the engine lock, so
// a cancelled timer that races its own firing becomes a no-op.
type debounceEntry struct {
	timer *clock.Timer
}

// MarkDisconnected handles a transport-level disconnect for the given
// connection handle. If the connection was bound to a server code, a
// fresh 30s debounce timer is started for that code; any previous timer
// for the code is cancelled first.
func (e *Engine) MarkDisconnected(connID string) {
	e.mu.Lock()
	code, ok := e.conns[connID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.conns, connID)
	e.scheduleDisconnectLocked(code)
	e.mu.Unlock()
}

// CancelDisconnect drops any pending disconnect timer for the code.
// Called on reconnect (init or fresh telemetry).
func (e *Engine) CancelDisconnect(code string) {
	e.mu.Lock()
	e.cancelDebounceLocked(code)
	e.mu.Unlock()
}

func (e *Engine) scheduleDisconnectLocked(code string) {
	e.cancelDebounceLocked(code)
	entry := &debounceEntry{}
	entry.timer = e.clock.AfterFunc(debounceDelay, func() {
		e.debounceFired(code, entry)
	})
	e.debounce[code] = entry
}

func (e *Engine) cancelDebounceLocked(code string) {
	if entry, ok := e.debounce[code]; ok {
		entry.timer.Stop()
		delete(e.debounce, code)
	}
}

// debounceFired runs when a disconnect timer expires without a
// reconnect. It marks the server disconnected, commits its pending hour
// buffer, and emits the notification and mail exactly once for this
// debounce cycle.
func (e *Engine) debounceFired(code string, entry *debounceEntry) {
	now := e.clock.Now()

	e.mu.Lock()
	if e.debounce[code] != entry {
		// Cancelled (or superseded) after the timer was already
		// committed to firing.
		e.mu.Unlock()
		return
	}
	delete(e.debounce, code)

	status, ok := e.servers[code]
	if !ok {
		e.mu.Unlock()
		return
	}
	status.Status = models.StateDisconnected
	if buffer := e.buffers[code]; buffer != nil {
		buffer.commit(status, e.trackedHour)
	}
	status.RecomputeAvailability()
	name := status.Name
	snapshot := status.Clone()
	e.mu.Unlock()

	logutil.Warn().Str("server", code).Msg("server disconnected")
	e.notifier.EmitConnectivity(code, name, models.NotificationDisconnected, now)
	e.notifier.SendDisconnectedMail(name, "")
	go e.persistMetrics(code, snapshot)
}
