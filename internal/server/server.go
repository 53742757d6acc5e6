package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mironalin/carsense/internal/bluetooth"
	"github.com/mironalin/carsense/internal/monitor"
	"github.com/mironalin/carsense/internal/obd"
	"github.com/mironalin/carsense/internal/session"
	"github.com/mironalin/carsense/internal/upload"
)

// DeviceLister finds adapters the daemon could connect to.
type DeviceLister interface {
	Devices(ctx context.Context) ([]bluetooth.Device, error)
	Scan(ctx context.Context, window time.Duration) ([]bluetooth.Device, error)
}

// HistoryReader returns the newest uploaded records of a vehicle.
type HistoryReader interface {
	Recent(ctx context.Context, vehicleID string, n int64) ([]upload.Envelope, error)
}

// Deps are the collaborators a Server drives. Controller is required.
type Deps struct {
	Controller *obd.Controller
	Sinks      *session.Fanout
	CSV        *session.CSVRecorder
	Tracker    session.Tracker
	Monitor    *monitor.Monitor
	Devices    DeviceLister
	History    HistoryReader
}

// Server exposes the controller over HTTP and WebSocket, polls live PIDs and
// feeds readings to the session sinks.
type Server struct {
	cfg  *Config
	deps Deps
	ctrl *obd.Controller
	log  *logrus.Entry

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	limiter      *rate.Limiter
	paused       *abool.AtomicBool
	reconnecting *abool.AtomicBool

	mu     sync.Mutex
	id     session.Identity
	latest map[string]obd.Reading
	ready  bool // last seen status was Ready
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State   *obd.State        `json:"state,omitempty"`
	Session *session.Identity `json:"session,omitempty"`
	Reading *obd.Reading      `json:"reading,omitempty"`
	DTCs    *session.Report   `json:"dtcs,omitempty"`
	Error   string            `json:"error,omitempty"`
	Reply   bool              `json:"reply,omitempty"` // answer to this client's command
	Stamp   int64             `json:"stamp"`           // Unix ms
}

// Status is the /api/status body.
type Status struct {
	State    obd.State              `json:"state"`
	Session  session.Identity       `json:"session"`
	Polling  bool                   `json:"polling"`
	Tracking bool                   `json:"tracking"`
	Latest   map[string]obd.Reading `json:"latest"`
}

// New creates a new Server.
func New(cfg *Config, deps Deps) *Server {
	if deps.Sinks == nil {
		deps.Sinks = session.NewFanout(nil)
	}
	if deps.Tracker == nil {
		deps.Tracker = session.NewLogTracker(nil)
	}
	poll := cfg.PollSettings()
	return &Server{
		cfg:     cfg,
		deps:    deps,
		ctrl:    deps.Controller,
		log:     logrus.WithField("component", "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      rate.NewLimiter(pollLimit(poll.Hz), 1),
		paused:       abool.NewBool(!poll.Enabled),
		reconnecting: abool.New(),
		latest:       make(map[string]obd.Reading),
	}
}

func pollLimit(hz int) rate.Limit {
	if hz <= 0 {
		hz = 5
	}
	return rate.Limit(hz)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/dtc", s.handleDTC)
	mux.HandleFunc("/api/vin", s.handleVIN)
	mux.HandleFunc("/api/poll", s.handlePoll)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.deps.Monitor != nil {
		mux.Handle("/metrics", s.deps.Monitor.Handler())
	}
	return mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Infof("listening on %s", addr)
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the event, poll, config
// watch and auto-connect loops.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	events, cancelEvents := s.ctrl.Subscribe()
	g.Go(func() error {
		defer cancelEvents()
		return s.eventLoop(ctx, events)
	})

	if s.deps.Monitor != nil {
		metricEvents, cancelMetrics := s.ctrl.Subscribe()
		g.Go(func() error {
			defer cancelMetrics()
			s.deps.Monitor.Run(ctx, metricEvents)
			return nil
		})
	}

	g.Go(func() error { return s.pollLoop(ctx) })

	g.Go(func() error {
		if err := s.cfg.Watch(ctx, s.applyConfig); err != nil {
			s.log.WithError(err).Warn("config hot reload disabled")
		}
		return nil
	})

	if a := s.cfg.AdapterSettings(); a.AutoConnect && a.Address != "" {
		g.Go(func() error {
			s.connectWithRetry(ctx, a.Address, 10)
			return nil
		})
	}

	srv := &http.Server{Handler: s.Handler()}
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := g.Wait()
	s.deps.Tracker.Stop()
	return err
}

// eventLoop turns controller events into WebSocket frames, sink records and
// tracker transitions.
func (s *Server) eventLoop(ctx context.Context, events <-chan obd.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev obd.Event) {
	switch ev.Type {
	case obd.EventStateChanged:
		s.onState(ctx, ev.State)
		st := ev.State
		s.broadcast(Frame{State: &st, Stamp: ev.At.UnixMilli()})

	case obd.EventReading:
		if ev.Reading == nil {
			return
		}
		r := *ev.Reading
		s.mu.Lock()
		s.latest[r.Command] = r
		id := s.id
		s.mu.Unlock()
		s.broadcast(Frame{Reading: &r, Stamp: ev.At.UnixMilli()})
		if id.SessionID != "" {
			s.deps.Sinks.RecordReading(ctx, session.Snapshot{Identity: id, Reading: r})
		}

	case obd.EventError:
		if ev.Err != nil {
			s.broadcast(Frame{Error: ev.Err.Error(), Stamp: ev.At.UnixMilli()})
		}
	}
}

// onState starts location tracking when a link becomes ready and stops it
// when the link ends. A ready link that drops is redialled when auto-connect
// is on.
func (s *Server) onState(ctx context.Context, st obd.State) {
	s.mu.Lock()
	wasReady := s.ready
	s.ready = st.Status == obd.StatusReady
	s.mu.Unlock()

	switch st.Status {
	case obd.StatusReady:
		id := s.cfg.Identity(time.Now())
		s.mu.Lock()
		s.id = id
		s.mu.Unlock()
		if err := s.deps.Tracker.Start(ctx, id); err != nil {
			s.log.WithError(err).Warn("tracker start failed")
		}
		s.log.WithField("session", id.SessionID).Infof("adapter ready at %s", st.Address)

	case obd.StatusDisconnected, obd.StatusError:
		if err := s.deps.Tracker.Stop(); err != nil {
			s.log.WithError(err).Warn("tracker stop failed")
		}
		s.mu.Lock()
		s.id = session.Identity{}
		s.mu.Unlock()
		if st.Status == obd.StatusError && wasReady && s.cfg.AdapterSettings().AutoConnect && st.Address != "" {
			go s.connectWithRetry(ctx, st.Address, 10)
		}
	}
}

func (s *Server) identity() session.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// pollLoop issues the configured PIDs round-robin, at most Hz per second,
// while the adapter is ready and polling is not paused.
func (s *Server) pollLoop(ctx context.Context) error {
	idle := time.NewTicker(250 * time.Millisecond)
	defer idle.Stop()
	next := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		pids := s.cfg.PollSettings().PIDs
		if s.paused.IsSet() || !s.ctrl.Ready() || len(pids) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-idle.C:
			}
			continue
		}
		cmd := pids[next%len(pids)]
		next++

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := s.ctrl.SendCommand(cctx, cmd)
		cancel()
		if err != nil {
			s.log.WithError(err).Debugf("poll %s failed", cmd)
		}
	}
}

// applyConfig pushes reloaded settings into the running loops.
func (s *Server) applyConfig(c *Config) {
	c.mu.RLock()
	poll := c.Poll
	csvOn := c.Logging.Enabled
	level := c.Log.Level
	c.mu.RUnlock()

	s.limiter.SetLimit(pollLimit(poll.Hz))
	s.paused.SetTo(!poll.Enabled)
	if s.deps.CSV != nil {
		s.deps.CSV.SetEnabled(csvOn)
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(lvl)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func (s *Server) connectWithRetry(ctx context.Context, address string, maxAttempts int) {
	if !s.reconnecting.SetToIf(false, true) {
		return
	}
	defer s.reconnecting.UnSet()

	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.ctrl.Connect(ctx, address)
		if err == nil || errors.Is(err, obd.ErrAlreadyConnected) {
			s.log.Infof("connected to %s (attempt %d)", address, attempt+1)
			return
		}
		if errors.Is(err, obd.ErrClosed) {
			return
		}
		attempt++
		if attempt <= maxAttempts {
			s.log.WithError(err).Warnf("connect attempt %d/%d failed (retry in %v)", attempt, maxAttempts, delay)
		} else {
			s.log.WithError(err).Warnf("connect attempt %d failed (retry in %v)", attempt, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps OBD failures to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, obd.ErrNotReady):
		code = http.StatusServiceUnavailable
	case errors.Is(err, obd.ErrConnectInProgress), errors.Is(err, obd.ErrAlreadyConnected):
		code = http.StatusConflict
	case obd.KindOf(err) == obd.KindTimeout:
		code = http.StatusGatewayTimeout
	case obd.KindOf(err) == obd.KindCommand:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, apiError{Error: err.Error(), Kind: obd.KindOf(err).String()})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.mu.Lock()
	latest := make(map[string]obd.Reading, len(s.latest))
	for k, v := range s.latest {
		latest[k] = v
	}
	id := s.id
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, Status{
		State:    s.ctrl.State(),
		Session:  id,
		Polling:  !s.paused.IsSet(),
		Tracking: s.deps.Tracker.Active(),
		Latest:   latest,
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
	}
	if req.Address == "" {
		req.Address = s.cfg.AdapterSettings().Address
	}
	if err := s.ctrl.Connect(r.Context(), req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.ctrl.Close(); err != nil {
		s.log.WithError(err).Debug("close transport")
	}
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reading, err := s.ctrl.SendCommand(r.Context(), req.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleDTC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rep := session.Report{Identity: s.identity(), At: time.Now()}

	switch r.Method {
	case http.MethodGet:
		stored, err := s.ctrl.ReadDTCs(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		pending, err := s.ctrl.ReadPendingDTCs(ctx)
		if err != nil {
			s.log.WithError(err).Debug("pending codes unavailable")
			pending = []obd.DTC{}
		}
		rep.Stored, rep.Pending = stored, pending

	case http.MethodDelete:
		// keep the poller off the line while the ECU clears
		if s.paused.SetToIf(false, true) {
			defer s.paused.UnSet()
		}
		if err := s.ctrl.ClearDTCs(ctx); err != nil {
			writeError(w, err)
			return
		}
		rep.Cleared = true
		rep.Stored, rep.Pending = []obd.DTC{}, []obd.DTC{}

	default:
		methodNotAllowed(w)
		return
	}

	if rep.SessionID != "" {
		s.deps.Sinks.RecordDTCs(ctx, rep)
	}
	s.broadcast(Frame{DTCs: &rep, Stamp: rep.At.UnixMilli()})
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleVIN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	vin, err := s.ctrl.ReadVIN(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"vin": vin})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.paused.SetTo(!req.Enabled)
	default:
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"polling": !s.paused.IsSet()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.deps.Devices == nil {
		http.Error(w, "bluetooth discovery unavailable", http.StatusNotImplemented)
		return
	}
	var (
		devices []bluetooth.Device
		err     error
	)
	if v := r.URL.Query().Get("scan"); v != "" {
		secs, perr := strconv.Atoi(v)
		if perr != nil || secs <= 0 || secs > 60 {
			http.Error(w, "scan must be 1-60 seconds", http.StatusBadRequest)
			return
		}
		devices, err = s.deps.Devices.Scan(r.Context(), time.Duration(secs)*time.Second)
	} else {
		devices, err = s.deps.Devices.Devices(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleHistory serves ?vehicle=<id>&n=<1-1000> from the upload backup list.
// vehicle defaults to the configured one.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.deps.History == nil {
		http.Error(w, "upload disabled", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	vehicle := q.Get("vehicle")
	if vehicle == "" {
		vehicle = s.cfg.VehicleID()
	}
	n := int64(50)
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "n must be 1-1000", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	records, err := s.deps.History.Recent(r.Context(), vehicle, n)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Warn("config save failed")
		}
		s.applyConfig(s.cfg)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("ws upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// initial state goes out before the client is visible to broadcast
	st := s.ctrl.State()
	id := s.identity()
	if data, err := json.Marshal(Frame{State: &st, Session: &id, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debugf("ws client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine, handles incoming commands and keep-alive
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Debugf("ws client disconnected (%d total)", n)
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleWSMessage(client, msg)
		}
	}()
}

// handleWSMessage runs {"command": "..."} requests. The reading comes back
// through the normal broadcast; only failures are answered directly.
func (s *Server) handleWSMessage(client *wsClient, msg []byte) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(msg, &req); err != nil || strings.TrimSpace(req.Command) == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reading, err := s.ctrl.SendCommand(ctx, req.Command)
		if err != nil {
			s.sendTo(client, Frame{Error: err.Error(), Reply: true, Stamp: time.Now().UnixMilli()})
			return
		}
		s.sendTo(client, Frame{Reading: reading, Reply: true, Stamp: time.Now().UnixMilli()})
	}()
}

// sendTo queues frame for one client if it is still registered.
func (s *Server) sendTo(client *wsClient, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if _, ok := s.clients[client]; ok {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
