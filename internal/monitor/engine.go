// Package monitor implements the per-server liveness and metrics engine:
// telemetry intake, hourly/daily rollups, uptime accounting, process
// liveness sweeps, and debounced disconnect detection.
package monitor

import (
	"sort"
	"sync"
	"time"

	"fleetmon/internal/clock"
	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

const (
	// sweepInterval is how often the liveness sweep and the rollover
	// check run.
	sweepInterval = 3 * time.Second

	// accrualInterval is how often uptime/downtime counters accrue.
	accrualInterval = time.Minute

	// livenessWindow is how long a server may stay silent before the
	// sweep marks it disconnected.
	livenessWindow = 30 * time.Second

	// debounceDelay is how long a transport disconnect must persist
	// before it counts as an outage.
	debounceDelay = 30 * time.Second
)

// ServerSource supplies durable server records and accepts write-backs
// of rollup state.
type ServerSource interface {
	FindServerByCode(code string) (*models.ServerRecord, error)
	ListServers() ([]*models.ServerRecord, error)
	UpdateServerMetrics(code string, status *models.ServerStatus) error
	UpdateServerProcesses(code string, processes []*models.ProcessStatus) error
}

// Notifier receives liveness transition events.
type Notifier interface {
	EmitConnectivity(serverCode, serverName string, kind models.NotificationType, at time.Time)
	SendDisconnectedMail(serverName, processName string)
}

// Broadcaster receives full state snapshots after every sweep and on
// relevant mutation.
type Broadcaster interface {
	BroadcastStatus(snapshot []*models.ServerStatus)
}

// Engine owns all per-server liveness state. Every mutation of a
// ServerStatus goes through the engine's lock; snapshots handed out are
// deep copies.
type Engine struct {
	source      ServerSource
	notifier    Notifier
	broadcaster Broadcaster
	clock       clock.Clock

	mu      sync.Mutex
	servers map[string]*models.ServerStatus
	buffers map[string]*hourBuffer

	// conns binds transport connection handles to server codes so a
	// transport-level disconnect can be attributed.
	conns map[string]string

	// debounce holds the pending one-shot disconnect timer per code.
	debounce map[string]*debounceEntry

	// trackedHour and trackedDay drive hourly rollover, daily reset,
	// and the at-most-once-per-day month reset.
	trackedHour int
	trackedDay  time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine builds an engine around its collaborators. clk must not be
// nil; pass clock.Real() in production.
func NewEngine(source ServerSource, notifier Notifier, broadcaster Broadcaster, clk clock.Clock) *Engine {
	now := clk.Now()
	return &Engine{
		source:      source,
		notifier:    notifier,
		broadcaster: broadcaster,
		clock:       clk,
		servers:     make(map[string]*models.ServerStatus),
		buffers:     make(map[string]*hourBuffer),
		conns:       make(map[string]string),
		debounce:    make(map[string]*debounceEntry),
		trackedHour: now.Hour(),
		trackedDay:  dayOf(now),
		stop:        make(chan struct{}),
	}
}

// Start seeds state from persisted server records and launches the
// periodic sweep and accrual loops.
func (e *Engine) Start() error {
	records, err := e.source.ListServers()
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, record := range records {
		e.seedLocked(record)
	}
	e.mu.Unlock()

	e.wg.Add(2)
	go e.sweepLoop()
	go e.accrualLoop()
	logutil.Info().Int("servers", len(records)).Msg("liveness engine started")
	return nil
}

// Stop halts the periodic loops and cancels all pending debounce
// timers. Safe to call once.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()

	e.mu.Lock()
	for code, entry := range e.debounce {
		entry.timer.Stop()
		delete(e.debounce, code)
	}
	e.mu.Unlock()
}

// Snapshot returns a deep copy of all server states ordered by code.
func (e *Engine) Snapshot() []*models.ServerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// ServerName resolves the display name for a known code; empty when the
// code is unknown.
func (e *Engine) ServerName(code string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.servers[code]; ok {
		return s.Name
	}
	return ""
}

func (e *Engine) snapshotLocked() []*models.ServerStatus {
	out := make([]*models.ServerStatus, 0, len(e.servers))
	for _, s := range e.servers {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// seedLocked creates the in-memory state for a persisted record. State
// starts disconnected; the first telemetry sample flips it.
func (e *Engine) seedLocked(record *models.ServerRecord) {
	if _, ok := e.servers[record.Code]; ok {
		return
	}
	status := &models.ServerStatus{
		Code:           record.Code,
		Name:           record.Name,
		CPUHistory:     record.CPUHistory,
		RAMHistory:     record.RAMHistory,
		GPUHistory:     record.GPUHistory,
		NetworkHistory: record.NetworkHistory,
		Status:         models.StateDisconnected,
		UpTime:         record.UpTime,
		DownTime:       record.DownTime,
	}
	for _, p := range record.Processes {
		if status.Process(p.Name) != nil {
			continue
		}
		cp := *p
		cp.Status = models.ProcessStopped
		status.Processes = append(status.Processes, &cp)
	}
	status.RecomputeAvailability()
	e.servers[record.Code] = status
	e.buffers[record.Code] = &hourBuffer{}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.runSweep(now)
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) accrualLoop() {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(accrualInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.accrueUptime()
		case <-e.stop:
			return
		}
	}
}

// dayOf truncates a time to its calendar day, preserving location.
func dayOf(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
