// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

// Package live serves a beamline-local web view of a running
// integration job: per-run progress over a websocket plus the latest
// rendered heatmaps. It is single-user and unauthenticated.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hampusnasstrom/myspot-analysis/integrate"
	"github.com/hampusnasstrom/myspot-analysis/plot"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Msg is one websocket frame. Type is "progress" or "heatmap";
// Payload carries PNG bytes for heatmaps.
type Msg struct {
	Type     string
	Metadata map[string]string
	Payload  []byte
}

type runProgress struct {
	Done, Total         int
	OK, Missing, Failed int
}

// Monitor implements integrate.Observer and broadcasts every event to
// connected websocket clients. Slow clients are dropped rather than
// ever blocking the integration pipeline.
type Monitor struct {
	Measurement string
	// LogScale is passed through to the heatmap renderer.
	LogScale bool

	mu       sync.Mutex
	runs     map[int]*runProgress
	order    []int
	heatmaps map[int][]byte
	clients  map[*client]struct{}
	rate     func(float64) float64
	rateVal  float64
	lastDone time.Time

	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewMonitor returns a monitor ready to serve.
func NewMonitor(measurement string) *Monitor {
	return &Monitor{
		Measurement: measurement,
		runs:        make(map[int]*runProgress),
		heatmaps:    make(map[int][]byte),
		clients:     make(map[*client]struct{}),
		rate:        plot.MakeSmoother(0.1, 0),
		lastDone:    time.Now(),
	}
}

// Serve listens on addr until Shutdown. It blocks.
func (m *Monitor) Serve(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/", m.servePage)
	r.HandleFunc("/ws", m.serveWs)
	m.srv = &http.Server{Addr: addr, Handler: r}
	err := m.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and disconnects all clients.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// RunStart implements integrate.Observer.
func (m *Monitor) RunStart(run, images int) {
	m.mu.Lock()
	if _, ok := m.runs[run]; !ok {
		m.order = append(m.order, run)
	}
	m.runs[run] = &runProgress{Total: images}
	m.mu.Unlock()
	m.broadcastProgress()
}

// FrameDone implements integrate.Observer.
func (m *Monitor) FrameDone(run, done, total int, status integrate.RowStatus) {
	m.mu.Lock()
	p, ok := m.runs[run]
	if !ok {
		p = &runProgress{Total: total}
		m.runs[run] = p
		m.order = append(m.order, run)
	}
	p.Done = done
	switch status {
	case integrate.RowOK:
		p.OK++
	case integrate.RowMissing:
		p.Missing++
	case integrate.RowFailed:
		p.Failed++
	}
	now := time.Now()
	dt := now.Sub(m.lastDone).Seconds()
	m.lastDone = now
	if dt > 0 {
		m.rateVal = m.rate(1 / dt)
	}
	m.mu.Unlock()
	m.broadcastProgress()
}

// RunDone implements integrate.Observer.
func (m *Monitor) RunDone(run int, pm *integrate.PatternMatrix) {
	if pm == nil || pm.Q == nil {
		return
	}
	buf, err := plot.RenderHeatmap(pm, fmt.Sprintf("%s run %d", m.Measurement, run), m.LogScale)
	if err != nil {
		log.Println("live: rendering heatmap:", err)
		return
	}
	m.mu.Lock()
	m.heatmaps[run] = buf
	m.mu.Unlock()
	m.broadcast(&Msg{
		Type:     "heatmap",
		Metadata: map[string]string{"run": fmt.Sprint(run)},
		Payload:  buf,
	})
}

func (m *Monitor) progressMsg() *Msg {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := make(map[string]string)
	meta["measurement"] = m.Measurement
	meta["rate"] = fmt.Sprintf("%.1f images/s", m.rateVal)
	for _, run := range m.order {
		p := m.runs[run]
		meta[fmt.Sprintf("run %d", run)] = fmt.Sprintf("%d/%d ok %d missing %d failed %d",
			p.Done, p.Total, p.OK, p.Missing, p.Failed)
	}
	return &Msg{Type: "progress", Metadata: meta}
}

func (m *Monitor) broadcastProgress() {
	m.broadcast(m.progressMsg())
}

func (m *Monitor) broadcast(msg *Msg) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- buf:
		default:
			log.Println("live: dropping slow client")
			close(c.send)
			delete(m.clients, c)
		}
	}
}

type client struct {
	send chan []byte
}

func (m *Monitor) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("live:", err)
		return
	}

	c := &client{send: make(chan []byte, 64)}

	// Snapshot for the new client: current progress and all finished
	// heatmaps.
	snapshot := [][]byte{}
	if buf, err := json.Marshal(m.progressMsg()); err == nil {
		snapshot = append(snapshot, buf)
	}
	m.mu.Lock()
	for run, png := range m.heatmaps {
		msg := &Msg{Type: "heatmap", Metadata: map[string]string{"run": fmt.Sprint(run)}, Payload: png}
		if buf, err := json.Marshal(msg); err == nil {
			snapshot = append(snapshot, buf)
		}
	}
	m.clients[c] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer conn.Close()
		for _, buf := range snapshot {
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				break
			}
		}
		for buf := range c.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				break
			}
		}
	}()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				m.mu.Lock()
				if _, ok := m.clients[c]; ok {
					close(c.send)
					delete(m.clients, c)
				}
				m.mu.Unlock()
				return
			}
		}
	}()
}

func (m *Monitor) servePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, monitorPage)
}

const monitorPage = `<!DOCTYPE html>
<html>
<head><title>myspot integration</title></head>
<body>
<h1>myspot integration</h1>
<pre id="progress">waiting for data...</pre>
<div id="heatmaps"></div>
<script>
var ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = function (ev) {
	var msg = JSON.parse(ev.data);
	if (msg.Type === "progress") {
		var lines = [];
		for (var k in msg.Metadata) { lines.push(k + ": " + msg.Metadata[k]); }
		document.getElementById("progress").textContent = lines.sort().join("\n");
	} else if (msg.Type === "heatmap") {
		var id = "heatmap-" + msg.Metadata["run"];
		var img = document.getElementById(id);
		if (!img) {
			img = document.createElement("img");
			img.id = id;
			document.getElementById("heatmaps").appendChild(img);
		}
		img.src = "data:image/png;base64," + msg.Payload;
	}
};
</script>
</body>
</html>
`
