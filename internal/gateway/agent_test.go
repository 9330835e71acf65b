package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"fleetmon/internal/clock"
	"fleetmon/internal/models"
)

type engineCall struct {
	method string
	code   string
	sample models.MetricSample
	name   string
}

type fakeEngine struct {
	calls []engineCall
}

func (e *fakeEngine) Init(code, connID string) {
	e.calls = append(e.calls, engineCall{method: "init", code: code, name: connID})
}

func (e *fakeEngine) Update(code string, sample models.MetricSample, _ string) {
	e.calls = append(e.calls, engineCall{method: "update", code: code, sample: sample})
}

func (e *fakeEngine) UpdateProcess(code, name, _ string) {
	e.calls = append(e.calls, engineCall{method: "process", code: code, name: name})
}

func (e *fakeEngine) MarkDisconnected(connID string) {
	e.calls = append(e.calls, engineCall{method: "disconnect", name: connID})
}

func (e *fakeEngine) ServerName(code string) string { return "name-" + code }

type fakeSink struct {
	entries []*models.LogEntry
}

func (s *fakeSink) AddLog(entry *models.LogEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func newTestAgentServer() (*AgentServer, *fakeEngine, *fakeSink, *clock.Fake) {
	engine := &fakeEngine{}
	sink := &fakeSink{}
	clk := clock.NewFake(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))
	return NewAgentServer(engine, sink, NewHub(), clk), engine, sink, clk
}

func newLimiter() *rate.Limiter {
	return rate.NewLimiter(logEventRate, logEventBurst)
}

// drainHub pops one broadcast frame, failing the test when none is
// queued.
func drainHub(t *testing.T, h *Hub) envelope {
	t.Helper()
	select {
	case frame := <-h.broadcast:
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("bad broadcast frame: %v", err)
		}
		return env
	default:
		t.Fatal("no broadcast queued")
		return envelope{}
	}
}

func TestDispatchInit(t *testing.T) {
	server, engine, _, _ := newTestAgentServer()

	server.dispatch("agent-1", []byte(`{"event":"init","data":{"serverCode":"S1"}}`), newLimiter())

	if len(engine.calls) != 1 || engine.calls[0].method != "init" || engine.calls[0].code != "S1" {
		t.Fatalf("unexpected engine calls: %+v", engine.calls)
	}
	if engine.calls[0].name != "agent-1" {
		t.Fatalf("connID not forwarded: %+v", engine.calls[0])
	}
}

func TestDispatchUpdateStatus(t *testing.T) {
	server, engine, _, _ := newTestAgentServer()

	frame := `{"event":"update-status","data":{
		"code":"S1","cpu":"42.5",
		"ram":{"usage":"61.2"},"disk":{"usage":"80"},
		"gpu":{"usage":"5"},"network":{"usage":"12.3"}}}`
	server.dispatch("agent-1", []byte(frame), newLimiter())

	if len(engine.calls) != 1 || engine.calls[0].method != "update" {
		t.Fatalf("unexpected engine calls: %+v", engine.calls)
	}
	if engine.calls[0].sample.CPU != 42.5 {
		t.Fatalf("sample not parsed: %+v", engine.calls[0].sample)
	}
}

func TestDispatchDropsMalformedFrames(t *testing.T) {
	server, engine, sink, _ := newTestAgentServer()

	server.dispatch("agent-1", []byte(`garbage`), newLimiter())
	server.dispatch("agent-1", []byte(`{"event":"init","data":{}}`), newLimiter())

	if len(engine.calls) != 0 || len(sink.entries) != 0 {
		t.Fatalf("malformed frames reached collaborators: %+v, %+v", engine.calls, sink.entries)
	}
}

func TestDispatchServerLogFeedsSinkAndHub(t *testing.T) {
	server, _, sink, _ := newTestAgentServer()

	frame := `{"event":"server-log","data":{"serverCode":"S1","type":"error","message":"disk full"}}`
	server.dispatch("agent-1", []byte(frame), newLimiter())

	if len(sink.entries) != 1 || sink.entries[0].Message != "disk full" {
		t.Fatalf("unexpected sink entries: %+v", sink.entries)
	}

	env := drainHub(t, server.hub)
	if env.Event != eventServerLog {
		t.Fatalf("broadcast event = %q, want %q", env.Event, eventServerLog)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload["serverName"] != "name-S1" {
		t.Fatalf("serverName not resolved: %v", payload)
	}
}

func TestDispatchServerLogRateLimited(t *testing.T) {
	server, _, sink, _ := newTestAgentServer()
	limiter := newLimiter()

	frame := []byte(`{"event":"server-log","data":{"serverCode":"S1","type":"info","message":"spam"}}`)
	for i := 0; i < logEventBurst+10; i++ {
		server.dispatch("agent-1", frame, limiter)
	}

	if len(sink.entries) > logEventBurst+1 {
		t.Fatalf("rate limit ineffective: %d entries", len(sink.entries))
	}
	if len(sink.entries) < logEventBurst {
		t.Fatalf("burst rejected too early: %d entries", len(sink.entries))
	}
}

func TestDispatchCommandRelay(t *testing.T) {
	server, _, _, _ := newTestAgentServer()

	server.dispatch("agent-1", []byte(`{"event":"command","data":{"serverCode":"S1","command":"restart"}}`), newLimiter())

	env := drainHub(t, server.hub)
	if env.Event != eventExecuteCommand {
		t.Fatalf("broadcast event = %q, want %q", env.Event, eventExecuteCommand)
	}
}

func TestCommandResultDeduplicated(t *testing.T) {
	server, _, _, clk := newTestAgentServer()
	frame := []byte(`{"event":"command_result","data":{"serverCode":"S1","command":"restart","result":"ok"}}`)

	server.dispatch("agent-1", frame, newLimiter())
	server.dispatch("agent-1", frame, newLimiter())

	env := drainHub(t, server.hub)
	if env.Event != eventCommandShow {
		t.Fatalf("broadcast event = %q, want %q", env.Event, eventCommandShow)
	}
	select {
	case <-server.hub.broadcast:
		t.Fatal("duplicate command_result relayed inside the window")
	default:
	}

	// Past the window the same result relays again.
	clk.Advance(2 * time.Second)
	server.dispatch("agent-1", frame, newLimiter())
	if env := drainHub(t, server.hub); env.Event != eventCommandShow {
		t.Fatalf("broadcast event = %q, want %q", env.Event, eventCommandShow)
	}
}

func TestCommandResultDifferentCommandsNotDeduplicated(t *testing.T) {
	server, _, _, _ := newTestAgentServer()

	server.dispatch("agent-1", []byte(`{"event":"command_result","data":{"serverCode":"S1","command":"restart","result":"ok"}}`), newLimiter())
	server.dispatch("agent-1", []byte(`{"event":"command_result","data":{"serverCode":"S1","command":"status","result":"ok"}}`), newLimiter())

	drainHub(t, server.hub)
	drainHub(t, server.hub)
}
