package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.Registry = reg
	m := New(cfg)

	m.FrameReceived("sniffed|broadcast")
	m.FrameReceived("sniffed|broadcast")
	m.FrameDropped("truncated")
	m.SendResult(true, 1)
	m.SendResult(false, 0)
	m.Command("send")
	m.IRQReinit()
	m.Channel(12)
	m.NodeLoopCount("73", 4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.Counter != nil:
				values[f.GetName()] += metric.Counter.GetValue()
			case metric.Gauge != nil:
				values[f.GetName()] += metric.Gauge.GetValue()
			case metric.Histogram != nil:
				values[f.GetName()] += float64(metric.Histogram.GetSampleCount())
			}
		}
	}

	tests := []struct {
		name string
		want float64
	}{
		{"rfmesh_controller_frames_received_total", 2},
		{"rfmesh_controller_frames_dropped_total", 1},
		{"rfmesh_controller_sends_total", 2},
		{"rfmesh_controller_send_attempts", 1},
		{"rfmesh_controller_commands_total", 1},
		{"rfmesh_controller_irq_reinit_total", 1},
		{"rfmesh_controller_radio_channel", 12},
		{"rfmesh_controller_node_loop_count", 4},
	}
	for _, tt := range tests {
		if values[tt.name] != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, values[tt.name], tt.want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.FrameReceived("sniffed")
	m.SendResult(true, 2)
	m.IRQReinit()
}

func TestRouter(t *testing.T) {
	m := New(DefaultConfig())
	m.Command("status")

	var serving atomic.Bool
	srv := httptest.NewServer(m.Router(serving.Load))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Not serving: got status %d", resp.StatusCode)
	}

	serving.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Serving: got status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `rfmesh_controller_commands_total{command="status"} 1`) {
		t.Errorf("Metrics body missing command counter:\n%s", body)
	}
}
