package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mironalin/carsense/internal/bluetooth"
	"github.com/mironalin/carsense/internal/monitor"
	"github.com/mironalin/carsense/internal/obd"
	"github.com/mironalin/carsense/internal/session"
)

func testOBDConfig() obd.Config {
	return obd.Config{
		Timing: obd.Timing{
			WriteSettle:     time.Millisecond,
			PollInterval:    2 * time.Millisecond,
			ResponseTimeout: 300 * time.Millisecond,
			WriteAttempts:   3,
			WriteBackoff:    5 * time.Millisecond,
			ProbeWindow:     50 * time.Millisecond,
			ResetDelay:      20 * time.Millisecond,
			StepDelay:       20 * time.Millisecond,
		},
		ConnectTimeout:   2 * time.Second,
		ConnectAttempts:  2,
		RetryDelay:       5 * time.Millisecond,
		SearchRetries:    1,
		SearchRetryDelay: 5 * time.Millisecond,
	}
}

type stubDevices struct {
	scanned time.Duration
}

func (s *stubDevices) Devices(context.Context) ([]bluetooth.Device, error) {
	return []bluetooth.Device{{Name: "OBDII", Address: "00:1D:A5:68:98:8B", Paired: true, SPP: true}}, nil
}

func (s *stubDevices) Scan(_ context.Context, window time.Duration) ([]bluetooth.Device, error) {
	s.scanned = window
	return nil, errors.New("adapter powered off")
}

type harness struct {
	url     string
	srv     *Server
	tracker *session.LogTracker
	devices *stubDevices
	csvDir  string
}

func startServer(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Poll.Hz = 20
	cfg.Session.VehicleID = "veh-1"
	cfg.Logging.Enabled = true
	cfg.Logging.IntervalMs = 0
	cfg.Logging.Path = filepath.Join(t.TempDir(), "csv")

	ctrl := obd.NewController(
		obd.WithConfig(testOBDConfig()),
		obd.WithDialers(obd.DemoDialer(obd.NewDemoEngine())),
	)
	t.Cleanup(ctrl.Release)

	csv := session.NewCSVRecorder(cfg.Logging, nil)
	tracker := session.NewLogTracker(nil)
	devices := &stubDevices{}
	s := New(cfg, Deps{
		Controller: ctrl,
		Sinks:      session.NewFanout(nil, csv),
		CSV:        csv,
		Tracker:    tracker,
		Monitor:    monitor.NewMonitor(nil),
		Devices:    devices,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not stop")
		}
		csv.Close()
	})
	return &harness{url: "http://" + ln.Addr().String(), srv: s, tracker: tracker, devices: devices, csvDir: cfg.Logging.Path}
}

func (h *harness) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, h.url+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, h *harness) {
	t.Helper()
	var st obd.State
	code := h.do(t, http.MethodPost, "/api/connect", `{"address":"`+obd.DemoAddress+`"}`, &st)
	if code != http.StatusOK || st.Status != obd.StatusReady {
		t.Fatalf("connect: code %d state %+v", code, st)
	}
	eventually(t, "tracker start", h.tracker.Active)
}

func TestServerNotReady(t *testing.T) {
	h := startServer(t)

	var st Status
	if code := h.do(t, http.MethodGet, "/api/status", "", &st); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if st.State.Status != obd.StatusDisconnected || st.Tracking {
		t.Errorf("status = %+v", st)
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/command", `{"command":"010C"}`, http.StatusServiceUnavailable},
		{http.MethodGet, "/api/dtc", "", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/vin", "", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/command", `garbage`, http.StatusBadRequest},
		{http.MethodGet, "/api/command", "", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/dtc", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/connect", `{"address":""}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if got := h.do(t, tt.method, tt.path, tt.body, nil); got != tt.want {
				t.Errorf("code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestServerDiagnostics(t *testing.T) {
	h := startServer(t)
	connect(t, h)

	if code := h.do(t, http.MethodPost, "/api/connect", `{"address":"`+obd.DemoAddress+`"}`, nil); code != http.StatusConflict {
		t.Errorf("second connect code = %d, want 409", code)
	}

	var r obd.Reading
	if code := h.do(t, http.MethodPost, "/api/command", `{"command":"01 0d"}`, &r); code != http.StatusOK {
		t.Fatalf("command code %d", code)
	}
	if r.Command != "010D" || r.Unit != "km/h" || r.IsError {
		t.Errorf("reading = %+v", r)
	}

	var rep session.Report
	if code := h.do(t, http.MethodGet, "/api/dtc", "", &rep); code != http.StatusOK {
		t.Fatalf("dtc code %d", code)
	}
	if len(rep.Stored) != 2 || rep.Stored[0].Code != "P0301" || rep.Stored[1].Code != "P0420" {
		t.Errorf("stored = %+v", rep.Stored)
	}
	if rep.SessionID == "" || rep.VehicleID != "veh-1" {
		t.Errorf("report identity = %+v", rep.Identity)
	}

	if code := h.do(t, http.MethodDelete, "/api/dtc", "", &rep); code != http.StatusOK || !rep.Cleared {
		t.Fatalf("clear code %d cleared %v", code, rep.Cleared)
	}
	if h.srv.paused.IsSet() {
		t.Error("poller left paused after clear")
	}
	h.do(t, http.MethodGet, "/api/dtc", "", &rep)
	if len(rep.Stored) != 0 {
		t.Errorf("codes after clear = %+v", rep.Stored)
	}

	var vin map[string]string
	if code := h.do(t, http.MethodGet, "/api/vin", "", &vin); code != http.StatusOK || vin["vin"] != "WVWZZZ1JZXW000001" {
		t.Errorf("vin code %d body %v", code, vin)
	}

	// the poller fills the latest map
	eventually(t, "polled rpm", func() bool {
		var st Status
		h.do(t, http.MethodGet, "/api/status", "", &st)
		_, ok := st.Latest[obd.CmdRPM]
		return ok && st.Polling
	})

	files, _ := filepath.Glob(filepath.Join(h.csvDir, "carsense_*.csv"))
	if len(files) != 1 {
		t.Errorf("csv files = %v", files)
	}

	var st obd.State
	if code := h.do(t, http.MethodPost, "/api/disconnect", "", &st); code != http.StatusOK || st.Status != obd.StatusDisconnected {
		t.Errorf("disconnect code %d state %+v", code, st)
	}
	eventually(t, "tracker stop", func() bool { return !h.tracker.Active() })
}

func TestServerPollToggle(t *testing.T) {
	h := startServer(t)
	var out map[string]bool
	if code := h.do(t, http.MethodPost, "/api/poll", `{"enabled":false}`, &out); code != http.StatusOK || out["polling"] {
		t.Errorf("pause code %d body %v", code, out)
	}
	h.do(t, http.MethodPost, "/api/poll", `{"enabled":true}`, &out)
	if !out["polling"] {
		t.Error("poll not resumed")
	}
}

func TestServerDevices(t *testing.T) {
	h := startServer(t)

	var devices []bluetooth.Device
	if code := h.do(t, http.MethodGet, "/api/devices", "", &devices); code != http.StatusOK {
		t.Fatalf("devices code %d", code)
	}
	if len(devices) != 1 || !devices[0].SPP {
		t.Errorf("devices = %+v", devices)
	}
	if code := h.do(t, http.MethodGet, "/api/devices?scan=abc", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad scan code = %d", code)
	}
	if code := h.do(t, http.MethodGet, "/api/devices?scan=4", "", nil); code != http.StatusBadGateway {
		t.Errorf("failed scan code = %d", code)
	}
	if h.devices.scanned != 4*time.Second {
		t.Errorf("scan window = %v", h.devices.scanned)
	}
}

func TestServerConfigAPI(t *testing.T) {
	h := startServer(t)
	// Save would write to /etc otherwise
	h.srv.cfg.mu.Lock()
	h.srv.cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	h.srv.cfg.mu.Unlock()

	if code := h.do(t, http.MethodPost, "/api/config", `{"poll":{"hz":2,"enabled":false}}`, nil); code != http.StatusOK {
		t.Fatalf("config post code %d", code)
	}
	var view map[string]map[string]interface{}
	h.do(t, http.MethodGet, "/api/config", "", &view)
	if view["poll"]["hz"] != float64(2) {
		t.Errorf("poll view = %v", view["poll"])
	}
	if !h.srv.paused.IsSet() {
		t.Error("poll.enabled=false not applied")
	}
	if got := h.srv.limiter.Limit(); got != 2 {
		t.Errorf("limiter = %v, want 2", got)
	}
}

func TestServerMetrics(t *testing.T) {
	h := startServer(t)
	connect(t, h)

	eventually(t, "connection metric", func() bool {
		resp, err := http.Get(h.url + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return bytes.Contains(body, []byte("carsense_connections_total 1"))
	})
}

func TestServerWebSocket(t *testing.T) {
	h := startServer(t)
	// keep the stream to what the test asks for
	h.do(t, http.MethodPost, "/api/poll", `{"enabled":false}`, nil)

	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.State == nil || first.State.Status != obd.StatusDisconnected {
		t.Errorf("initial frame = %+v", first)
	}

	// commands before connect fail back to this client
	if err := conn.WriteJSON(map[string]string{"command": "0105"}); err != nil {
		t.Fatal(err)
	}
	var failed Frame
	if err := conn.ReadJSON(&failed); err != nil {
		t.Fatal(err)
	}
	if failed.Error == "" {
		t.Errorf("want error frame, got %+v", failed)
	}

	connect(t, h)
	if err := conn.WriteJSON(map[string]string{"command": "0105"}); err != nil {
		t.Fatal(err)
	}
	sawReady := false
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("no reading frame: %v", err)
		}
		if f.State != nil && f.State.Status == obd.StatusReady {
			sawReady = true
		}
		if f.Reading != nil && f.Reading.Command == obd.CmdCoolantTemp {
			if f.Reading.Unit != "°C" {
				t.Errorf("reading = %+v", f.Reading)
			}
			break
		}
	}
	if !sawReady {
		t.Error("no ready state frame before the reading")
	}
}

func TestServerWebSocketReplies(t *testing.T) {
	h := startServer(t)
	h.do(t, http.MethodPost, "/api/poll", `{"enabled":false}`, nil)

	wsURL := "ws" + strings.TrimPrefix(h.url, "http") + "/ws"
	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		var initial Frame
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&initial); err != nil {
			t.Fatal(err)
		}
		return conn
	}
	asker := dial()
	defer asker.Close()
	other := dial()
	defer other.Close()

	connect(t, h)
	if err := asker.WriteJSON(map[string]string{"command": "010C"}); err != nil {
		t.Fatal(err)
	}
	for {
		var f Frame
		if err := asker.ReadJSON(&f); err != nil {
			t.Fatalf("no reply frame: %v", err)
		}
		if f.Reply {
			if f.Reading == nil || f.Reading.Command != obd.CmdRPM {
				t.Errorf("reply = %+v", f)
			}
			break
		}
	}

	// the reading itself is live data every client sees, the reply is not
	other.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawReading := false
	for !sawReading {
		var f Frame
		if err := other.ReadJSON(&f); err != nil {
			t.Fatalf("other client missed the live reading: %v", err)
		}
		if f.Reply {
			t.Fatalf("other client got a reply frame: %+v", f)
		}
		sawReading = f.Reading != nil && f.Reading.Command == obd.CmdRPM
	}

	h.do(t, http.MethodPost, "/api/disconnect", "", nil)
	if err := asker.WriteJSON(map[string]string{"command": "010C"}); err != nil {
		t.Fatal(err)
	}
	for {
		var f Frame
		if err := asker.ReadJSON(&f); err != nil {
			t.Fatalf("no error reply: %v", err)
		}
		if f.Reply {
			if f.Error == "" {
				t.Errorf("reply after disconnect = %+v", f)
			}
			break
		}
	}
	other.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var f Frame
		if err := other.ReadJSON(&f); err != nil {
			break // deadline: nothing addressed to the asker leaked
		}
		if f.Reply || f.Error != "" {
			t.Fatalf("other client got %+v", f)
		}
	}
}
