package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/telemetry"
)

// NodeList is the response of GET /api/nodes
type NodeList struct {
	Nodes  []telemetry.NodeState `json:"nodes"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// ReadingList is the response of GET /api/nodes/{id}/data
type ReadingList struct {
	NodeID   string              `json:"nodeId"`
	Readings []telemetry.Reading `json:"readings"`
}

// SystemStatus is the response of GET /api/system/status
type SystemStatus struct {
	Nodes              int                      `json:"nodes"`
	ByStatus           map[telemetry.Status]int `json:"byStatus"`
	MaxRiskLevel       int                      `json:"maxRiskLevel"`
	TransportConnected bool                     `json:"transportConnected"`
	Timestamp          time.Time                `json:"timestamp"`
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status telemetry.Status
	if v := q.Get("status"); v != "" {
		status = telemetry.Status(v)
		if !status.Valid() {
			s.writeError(w, r, http.StatusBadRequest, "unknown status "+v)
			return
		}
	}
	risk := -1
	if v := q.Get("riskLevel"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "riskLevel must be a non-negative integer")
			return
		}
		risk = n
	}
	limit, ok := s.intParam(w, r, "limit", DefaultListLimit, 1, MaxListLimit)
	if !ok {
		return
	}
	offset, ok := s.intParam(w, r, "offset", 0, 0, -1)
	if !ok {
		return
	}

	matched := make([]telemetry.NodeState, 0)
	for _, state := range s.nodes.List() {
		if status != "" && state.Status != status {
			continue
		}
		if risk >= 0 && state.RiskLevel != risk {
			continue
		}
		matched = append(matched, state)
	}

	page := []telemetry.NodeState{}
	if offset < len(matched) {
		page = matched[offset:min(offset+limit, len(matched))]
	}
	s.writeJSON(w, http.StatusOK, NodeList{Nodes: page, Total: len(matched), Limit: limit, Offset: offset})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	state, ok := s.nodes.Get(nodeID)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "node "+nodeID+" not found")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) getReadings(w http.ResponseWriter, r *http.Request) {
	if s.readings == nil {
		s.writeError(w, r, http.StatusNotImplemented, "reading history is not enabled")
		return
	}
	nodeID := mux.Vars(r)["id"]
	if _, ok := s.nodes.Get(nodeID); !ok {
		s.writeError(w, r, http.StatusNotFound, "node "+nodeID+" not found")
		return
	}

	limit, ok := s.intParam(w, r, "limit", DefaultReadingLimit, 1, MaxReadingLimit)
	if !ok {
		return
	}
	query := store.ReadingQuery{Limit: limit}
	for name, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.To.Before(query.From) {
		s.writeError(w, r, http.StatusBadRequest, "to must not be before from")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	readings, err := s.readings.Readings(ctx, nodeID, query)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if readings == nil {
		readings = []telemetry.Reading{}
	}
	s.writeJSON(w, http.StatusOK, ReadingList{NodeID: nodeID, Readings: readings})
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	state, err := s.configs.WriteConfig(ctx, nodeID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// CommandAck is the response of POST /api/nodes/{id}/commands
type CommandAck struct {
	NodeID    string    `json:"nodeId"`
	Command   string    `json:"command"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// postReading ingests a reading sent over HTTP instead of the field transport.
// It runs the same path as a transport message and answers with the node state.
func (s *Server) postReading(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeError(w, r, http.StatusNotImplemented, "reading ingest is not enabled")
		return
	}
	nodeID := mux.Vars(r)["id"]

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.ingest.OnTelemetry(ctx, nodeID, body); err != nil {
		s.fail(w, r, err)
		return
	}

	state, ok := s.nodes.Get(nodeID)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusCreated, state)
}

// postCommand publishes an operator command to the node's command topic. It is
// refused with 503 while the transport is down rather than queued.
func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		s.writeError(w, r, http.StatusNotImplemented, "node commands are not enabled")
		return
	}
	nodeID := mux.Vars(r)["id"]
	if err := telemetry.ValidateNodeID(nodeID); err != nil {
		s.fail(w, r, err)
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	cmd, err := telemetry.DecodeCommand(body, time.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.commands.IsConnected() {
		s.writeError(w, r, http.StatusServiceUnavailable, "transport unavailable")
		return
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	topic := s.topics.Command(nodeID)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.commands.Publish(ctx, topic, payload, s.qos); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "Command sent", "node_id", nodeID, "command", cmd.Command,
		"request_id", RequestID(r.Context()))
	s.writeJSON(w, http.StatusAccepted, CommandAck{NodeID: nodeID, Command: cmd.Command, Topic: topic, Timestamp: cmd.Timestamp})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{
		ByStatus:  make(map[telemetry.Status]int),
		Timestamp: time.Now().UTC(),
	}
	for _, state := range s.nodes.List() {
		status.Nodes++
		status.ByStatus[state.Status]++
		status.MaxRiskLevel = max(status.MaxRiskLevel, state.RiskLevel)
	}
	if s.transport != nil {
		status.TransportConnected = s.transport.IsConnected()
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	status := s.monitor.Check(ctx, SystemName)

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// intParam parses an integer query parameter within [lo, hi]; hi < 0 means no
// upper bound. It writes a 400 and returns false when the value is out of range.
func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		msg := name + " must be an integer >= " + strconv.Itoa(lo)
		if hi >= 0 {
			msg = name + " must be an integer between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi)
		}
		s.writeError(w, r, http.StatusBadRequest, msg)
		return 0, false
	}
	return n, true
}
