package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client → Agent messages
type ClientMessage struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// Agent → Client messages
type ServerMessage struct {
	Type     string         `json:"type"`
	Snapshot *DeviceMetrics `json:"snapshot,omitempty"`
	Entry    *LogEntry      `json:"entry,omitempty"`
	Logs     []LogEntry     `json:"logs,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type NetworkStatus struct {
	NetworkConfig
	Connected     bool   `json:"connected"`
	StrengthDbm   int    `json:"strength_dbm"`
	SignalQuality string `json:"signal_quality"`
}

const (
	sendQueueSize = 32
	writeWait     = 10 * time.Second
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

type Server struct {
	sim       *Simulator
	events    *EventLog
	controls  *DeviceControls
	telemetry *Telemetry
	log       *zap.SugaredLogger
	upgrader  websocket.Upgrader

	tokenMu sync.RWMutex
	token   string

	mu          sync.Mutex
	subscribers map[*websocket.Conn]*subscriber
}

func newServer(config *Config, sim *Simulator, events *EventLog, controls *DeviceControls, telemetry *Telemetry, log *zap.SugaredLogger) *Server {
	s := &Server{
		sim:         sim,
		events:      events,
		controls:    controls,
		telemetry:   telemetry,
		log:         log,
		token:       config.Token,
		subscribers: make(map[*websocket.Conn]*subscriber),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	sim.Subscribe(func(m DeviceMetrics) {
		s.broadcast(ServerMessage{Type: "snapshot", Snapshot: &m})
	})
	events.Subscribe(func(e LogEntry) {
		s.broadcast(ServerMessage{Type: "log", Entry: &e})
	})

	return s
}

func (s *Server) SetToken(token string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.token = token
}

func (s *Server) currentToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.telemetry.Handler())
	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWebSocket))

	api := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.telemetry.instrument(endpoint, s.requireAuth(h)))
	}
	api("GET /api/snapshot", "/api/snapshot", s.handleSnapshot)
	api("POST /api/sync", "/api/sync", s.handleSync)
	api("GET /api/device", "/api/device", s.handleDevice)
	api("GET /api/settings", "/api/settings", s.handleGetSettings)
	api("PUT /api/settings", "/api/settings", s.handlePutSettings)
	api("GET /api/network", "/api/network", s.handleGetNetwork)
	api("PUT /api/network", "/api/network", s.handlePutNetwork)
	api("GET /api/presets", "/api/presets", s.handlePresets)
	api("POST /api/presets/{id}/activate", "/api/presets/activate", s.handleActivatePreset)
	api("GET /api/logs", "/api/logs", s.handleListLogs)
	api("DELETE /api/logs", "/api/logs", s.handleClearLogs)
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(r, s.currentToken()) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.sim.RequestSync()
	writeJSON(w, http.StatusAccepted, s.sim.Snapshot())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, deviceInfo())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controls.Settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings DeviceSettings
	if err := decodeBody(w, r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.controls.UpdateSettings(settings); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controls.Settings())
}

func (s *Server) networkStatus() NetworkStatus {
	m := s.sim.Snapshot()
	return NetworkStatus{
		NetworkConfig: s.controls.Network(),
		Connected:     m.Online,
		StrengthDbm:   m.NetworkStrengthDbm,
		SignalQuality: signalQuality(m.NetworkStrengthDbm),
	}
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.networkStatus())
}

func (s *Server) handlePutNetwork(w http.ResponseWriter, r *http.Request) {
	var cfg NetworkConfig
	if err := decodeBody(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.controls.SaveNetwork(cfg); err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.networkStatus())
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controls.Presets())
}

func (s *Server) handleActivatePreset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid preset id")
		return
	}
	preset, err := s.controls.ActivatePreset(id)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preset)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPresetNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPresetAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Errorw("control request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	status, err := parseLogStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.events.List(status))
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	n := s.events.Clear()
	s.log.Infow("event log cleared", "entries", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn, send: make(chan []byte, sendQueueSize)}

	// Initial state is queued before registration so it is delivered first.
	snap := s.sim.Snapshot()
	s.enqueue(sub, ServerMessage{Type: "snapshot", Snapshot: &snap})
	s.addSubscriber(sub)

	done := make(chan struct{})
	go s.writePump(conn, sub.send, done)

	defer func() {
		s.removeSubscriber(sub)
		<-done
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.enqueue(sub, ServerMessage{Type: "error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "get_snapshot":
			snap := s.sim.Snapshot()
			s.enqueue(sub, ServerMessage{Type: "snapshot", Snapshot: &snap})

		case "request_sync":
			// The resulting snapshot reaches every subscriber via broadcast.
			s.sim.RequestSync()

		case "list_logs":
			status, err := parseLogStatus(msg.Status)
			if err != nil {
				s.enqueue(sub, ServerMessage{Type: "error", Message: err.Error()})
				continue
			}
			s.enqueue(sub, ServerMessage{Type: "logs", Logs: s.events.List(status)})

		default:
			s.enqueue(sub, ServerMessage{Type: "error", Message: "unknown message type: " + msg.Type})
		}
	}
}

// writePump is the only writer on conn. It exits when send is closed or a
// write fails.
func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debugw("ws write failed", "error", err)
			// Unblock the read loop; it will deregister and close send.
			conn.Close()
			for range send {
			}
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (s *Server) enqueue(sub *subscriber, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerLocked(sub, data)
}

// offerLocked drops the message when the subscriber is not keeping up, or
// when it has already been removed.
func (s *Server) offerLocked(sub *subscriber, data []byte) {
	if sub.send == nil {
		return
	}
	select {
	case sub.send <- data:
	default:
		s.log.Debugw("ws subscriber lagging, message dropped", "remote", sub.conn.RemoteAddr().String())
	}
}

func (s *Server) addSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.conn] = sub
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub.conn]; !ok {
		return
	}
	delete(s.subscribers, sub.conn)
	close(sub.send)
	sub.send = nil
}

func (s *Server) broadcast(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		s.offerLocked(sub, data)
	}
}

// closeSubscribers closes every client connection; used on shutdown.
func (s *Server) closeSubscribers() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.removeSubscriber(sub)
	}
}
