package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fleetmon/internal/clock"
	"fleetmon/internal/logutil"
	"fleetmon/internal/models"
)

// logEventRate bounds server-log events per agent connection; bursts
// ride on the bucket.
var logEventRate = rate.Every(time.Second / 10)

const logEventBurst = 20

// resultDedupWindow collapses duplicate command_result relays for the
// same (serverCode, command) key.
const resultDedupWindow = time.Second

// engineAPI is the slice of the liveness engine the agent endpoint
// drives.
type engineAPI interface {
	Init(code, connID string)
	Update(code string, sample models.MetricSample, connID string)
	UpdateProcess(code, name, version string)
	MarkDisconnected(connID string)
	ServerName(code string) string
}

// logSink accepts validated log entries for the ingestion stream.
type logSink interface {
	AddLog(entry *models.LogEntry) error
}

// AgentServer terminates agent websocket sessions: it parses the event
// union at the boundary, feeds the engine and the log stream, and
// relays command traffic to subscribers.
type AgentServer struct {
	engine engineAPI
	logs   logSink
	hub    *Hub
	clock  clock.Clock

	nextConn atomic.Uint64

	mu            sync.Mutex
	recentResults map[string]time.Time
}

// NewAgentServer wires the agent endpoint to its collaborators.
func NewAgentServer(engine engineAPI, logs logSink, hub *Hub, clk clock.Clock) *AgentServer {
	return &AgentServer{
		engine:        engine,
		logs:          logs,
		hub:           hub,
		clock:         clk,
		recentResults: make(map[string]time.Time),
	}
}

// HandleAgent upgrades an agent connection and pumps its events until
// the socket closes, at which point the engine's disconnect debounce
// takes over.
func (a *AgentServer) HandleAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logutil.Warn().Err(err).Msg("agent upgrade failed")
			return
		}
		defer conn.Close()

		connID := fmt.Sprintf("agent-%d", a.nextConn.Add(1))
		limiter := rate.NewLimiter(logEventRate, logEventBurst)
		logutil.Debug().Str("conn", connID).Msg("agent connected")

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logutil.Warn().Err(err).Str("conn", connID).Msg("agent read failed")
				}
				break
			}
			a.dispatch(connID, data, limiter)
		}

		logutil.Debug().Str("conn", connID).Msg("agent disconnected")
		a.engine.MarkDisconnected(connID)
	}
}

// dispatch routes one validated frame. Malformed frames are dropped at
// the boundary and never reach the engine.
func (a *AgentServer) dispatch(connID string, data []byte, limiter *rate.Limiter) {
	event, err := parseEvent(data)
	if err != nil {
		logutil.Debug().Err(err).Str("conn", connID).Msg("dropped inbound event")
		return
	}

	switch event := event.(type) {
	case *InitEvent:
		a.engine.Init(event.ServerCode, connID)

	case *UpdateStatusEvent:
		sample, err := event.Sample()
		if err != nil {
			return
		}
		a.engine.Update(event.Code, sample, connID)

	case *UpdateProcessEvent:
		a.engine.UpdateProcess(event.ServerCode, event.Name, event.Version)

	case *ServerLogEvent:
		if !limiter.Allow() {
			logutil.Debug().Str("conn", connID).Msg("server-log rate limited")
			return
		}
		entry := &models.LogEntry{
			ServerCode: event.ServerCode,
			Type:       event.Type,
			Message:    event.Message,
		}
		if err := a.logs.AddLog(entry); err != nil {
			logutil.Warn().Err(err).Str("server", event.ServerCode).Msg("log intake failed")
			return
		}
		a.hub.Emit(eventServerLog, gin.H{
			"serverCode": event.ServerCode,
			"serverName": a.engine.ServerName(event.ServerCode),
			"type":       event.Type,
			"message":    event.Message,
			"timestamp":  a.clock.Now(),
		})

	case *CommandEvent:
		a.hub.Emit(eventExecuteCommand, event)

	case *CommandResultEvent:
		if a.duplicateResult(event.ServerCode, event.Command) {
			return
		}
		a.hub.Emit(eventCommandShow, event)
	}
}

// duplicateResult reports whether an equal command_result was relayed
// within the dedup window, recording this one either way.
func (a *AgentServer) duplicateResult(serverCode, command string) bool {
	key := serverCode + "\x00" + command
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.recentResults[key]; ok && now.Sub(last) < resultDedupWindow {
		return true
	}
	a.recentResults[key] = now

	// Opportunistic pruning keeps the map from growing with dead keys.
	if len(a.recentResults) > 1024 {
		for k, seen := range a.recentResults {
			if now.Sub(seen) >= resultDedupWindow {
				delete(a.recentResults, k)
			}
		}
	}
	return false
}
