// Copyright 2021 Hampus Näsström
// Use of this source code is governed by the BSD 3-clause
// license that can be found in the LICENSE file.

package live

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hampusnasstrom/myspot-analysis/integrate"

	"github.com/gorilla/websocket"
)

func TestMonitorBroadcastsProgressAndHeatmap(t *testing.T) {
	m := NewMonitor("meas")
	srv := httptest.NewServer(http.HandlerFunc(m.serveWs))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	m.RunStart(0, 3)
	m.FrameDone(0, 1, 3, integrate.RowOK)
	m.RunDone(0, &integrate.PatternMatrix{
		Q:      []float64{0.1, 0.2, 0.3},
		Rows:   [][]float64{{1, 2, 3}},
		Status: []integrate.RowStatus{integrate.RowOK},
	})

	sawProgress, sawHeatmap := false, false
	deadline := time.Now().Add(5 * time.Second)
	for (!sawProgress || !sawHeatmap) && time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, buf, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (progress=%v heatmap=%v): %v", sawProgress, sawHeatmap, err)
		}
		var msg Msg
		if err := json.Unmarshal(buf, &msg); err != nil {
			t.Fatal(err)
		}
		switch msg.Type {
		case "progress":
			sawProgress = true
			if msg.Metadata["measurement"] != "meas" {
				t.Errorf("measurement = %q", msg.Metadata["measurement"])
			}
		case "heatmap":
			sawHeatmap = true
			if msg.Metadata["run"] != "0" {
				t.Errorf("heatmap run = %q", msg.Metadata["run"])
			}
			if len(msg.Payload) == 0 {
				t.Error("empty heatmap payload")
			}
		}
	}
}

func TestMonitorPage(t *testing.T) {
	m := NewMonitor("meas")
	srv := httptest.NewServer(http.HandlerFunc(m.servePage))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}
