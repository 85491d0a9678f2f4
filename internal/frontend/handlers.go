package frontend

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nugget/troupe/internal/buildinfo"
	"github.com/nugget/troupe/internal/character"
	"github.com/nugget/troupe/internal/events"
	"github.com/nugget/troupe/internal/plugin"
	"github.com/nugget/troupe/internal/runtime"
)

// AgentInfo is the JSON view of a registered agent.
type AgentInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Username      string   `json:"username"`
	ModelProvider string   `json:"modelProvider,omitempty"`
	Clients       []string `json:"clients"`
	Plugins       []string `json:"plugins"`
	Actions       []string `json:"actions,omitempty"`
}

func agentInfo(rt *runtime.Runtime) AgentInfo {
	c := rt.Character()
	return AgentInfo{
		ID:            rt.AgentID().String(),
		Name:          c.Name,
		Username:      c.Username,
		ModelProvider: c.ModelProvider,
		Clients:       rt.ClientNames(),
		Plugins:       rt.PluginNames(),
		Actions:       rt.ActionNames(),
	}
}

// MessageRequest is the body of POST /{agentId}/message.
type MessageRequest struct {
	Text   string `json:"text"`
	UserID string `json:"userId,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

// MessageReply is one element of the message response array.
type MessageReply struct {
	Text   string `json:"text"`
	User   string `json:"user"`
	Action string `json:"action,omitempty"`
}

func replies(rt *runtime.Runtime, resp *runtime.Response) []MessageReply {
	out := make([]MessageReply, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, MessageReply{Text: m, User: rt.Name(), Action: resp.Action})
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var services any = []any{}
	if s.health != nil {
		if !s.health.AllReady() {
			status = "degraded"
		}
		services = s.health.Status()
	}
	s.mu.RLock()
	n := len(s.agents)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   status,
		"agents":   n,
		"uptime":   buildinfo.Uptime().Round(1e9).String(),
		"services": services,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents := s.Agents()
	out := make([]AgentInfo, 0, len(agents))
	for _, rt := range agents {
		out = append(out, agentInfo(rt))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"agents": out}, s.logger)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "agent not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, agentInfo(rt), s.logger)
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	start := s.startAgent
	s.mu.RUnlock()
	if start == nil {
		s.errorResponse(w, http.StatusNotImplemented, "agent start is not enabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read body")
		return
	}
	c, err := character.Parse(body, "json")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	id := c.WithDefaults().ID
	if !s.claimStart(id) {
		s.errorResponse(w, http.StatusConflict, "agent "+c.Name+" is already running")
		return
	}
	defer s.releaseStart(id)

	rt, err := start(r.Context(), c)
	if err != nil {
		s.logger.Error("agent start failed", "agent", c.Name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, agentInfo(rt), s.logger)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(r.PathValue("agentId"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "agent not found")
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	s.events.Publish(events.Event{
		Source: events.SourceFrontend,
		Kind:   events.KindMessageReceived,
		Data:   map[string]any{"agent": rt.Name(), "room_id": req.RoomID},
	})

	resp, err := rt.ProcessMessage(r.Context(), plugin.Message{
		RoomID: req.RoomID,
		UserID: req.UserID,
		Text:   req.Text,
	})
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, runtime.ErrNotInitialized) {
			code = http.StatusServiceUnavailable
		}
		s.logger.Error("message failed", "agent", rt.Name(), "error", err)
		s.errorResponse(w, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, replies(rt, resp), s.logger)
}
