// Command fleetagent reports host metrics and process heartbeats to a
// fleetmon server over its agent websocket.
package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"fleetmon/internal/logutil"
)

const (
	envServerURL  = "FLEETAGENT_SERVER_URL"
	envServerCode = "FLEETAGENT_SERVER_CODE"
	envProcName   = "FLEETAGENT_PROCESS_NAME"
	envProcVer    = "FLEETAGENT_PROCESS_VERSION"

	reportInterval = 5 * time.Second
	redialDelay    = 5 * time.Second
	writeTimeout   = 10 * time.Second
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type usage struct {
	Usage string `json:"usage"`
}

type statusPayload struct {
	Code    string `json:"code"`
	CPU     string `json:"cpu"`
	RAM     usage  `json:"ram"`
	Disk    usage  `json:"disk"`
	GPU     usage  `json:"gpu"`
	Network usage  `json:"network"`
}

type processPayload struct {
	ServerCode string `json:"serverCode"`
	Name       string `json:"name"`
	Version    string `json:"version"`
}

type agent struct {
	serverURL   string
	serverCode  string
	processName string
	version     string

	lastNetBytes uint64
	lastNetAt    time.Time
}

func main() {
	serverURL := os.Getenv(envServerURL)
	serverCode := os.Getenv(envServerCode)
	if serverURL == "" || serverCode == "" {
		logutil.Fatal().Msg(envServerURL + " and " + envServerCode + " are required")
	}

	a := &agent{
		serverURL:   serverURL,
		serverCode:  serverCode,
		processName: os.Getenv(envProcName),
		version:     os.Getenv(envProcVer),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		if err := a.run(quit); err != nil {
			logutil.Error().Err(err).Msg("connection lost, redialing")
		} else {
			return
		}
		select {
		case <-quit:
			return
		case <-time.After(redialDelay):
		}
	}
}

// run dials the server and reports until the connection drops or a
// shutdown signal arrives. A nil return means clean shutdown.
func (a *agent) run(quit <-chan os.Signal) error {
	conn, _, err := websocket.DefaultDialer.Dial(a.serverURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Drain server-pushed events so control frames are processed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := a.send(conn, "init", map[string]string{"serverCode": a.serverCode}); err != nil {
		return err
	}
	logutil.Info().Str("code", a.serverCode).Msg("connected to fleetmon")

	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return nil
		case <-readDone:
			return errors.New("connection closed by server")
		case <-ticker.C:
			if err := a.send(conn, "update-status", a.sampleStatus()); err != nil {
				return err
			}
			if a.processName != "" {
				if err := a.send(conn, "update-process", processPayload{
					ServerCode: a.serverCode,
					Name:       a.processName,
					Version:    a.version,
				}); err != nil {
					return err
				}
			}
		}
	}
}

func (a *agent) send(conn *websocket.Conn, event string, data any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (a *agent) sampleStatus() statusPayload {
	status := statusPayload{Code: a.serverCode}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status.CPU = formatPercent(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status.RAM = usage{Usage: formatPercent(vm.UsedPercent)}
	}
	if du, err := disk.Usage("/"); err == nil {
		status.Disk = usage{Usage: formatPercent(du.UsedPercent)}
	}
	status.GPU = usage{Usage: "0"}
	status.Network = usage{Usage: formatPercent(a.networkRate())}
	return status
}

// networkRate reports combined rx+tx throughput in megabits per second
// since the previous sample.
func (a *agent) networkRate() float64 {
	counters, err := gopsnet.IOCounters(false)
	if err != nil || len(counters) == 0 {
		return 0
	}
	total := counters[0].BytesRecv + counters[0].BytesSent
	now := time.Now()

	var mbps float64
	if !a.lastNetAt.IsZero() && total >= a.lastNetBytes {
		elapsed := now.Sub(a.lastNetAt).Seconds()
		if elapsed > 0 {
			mbps = float64(total-a.lastNetBytes) * 8 / 1e6 / elapsed
		}
	}
	a.lastNetBytes = total
	a.lastNetAt = now
	return mbps
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
