package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hannes/kiji-rag/src/backend/chat"
)

const maxBodyBytes = 1 << 20

type messageRequest struct {
	Message string `json:"message"`
}

type textRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type ingestRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

type maskResponse struct {
	MaskedText  string            `json:"masked_text"`
	Mapping     map[string]string `json:"mapping"`
	EntityTypes []string          `json:"entity_types"`
	Degraded    bool              `json:"degraded,omitempty"`
}

type unmaskResponse struct {
	Text       string   `json:"text"`
	Unresolved []string `json:"unresolved,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmptySessionID):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "healthy", "service": "kiji-rag"}
	status := http.StatusOK
	if s.deps.Health != nil {
		body["detector"] = s.deps.Health.GetInfo()
		if !s.deps.Health.IsHealthy() {
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": uuid.NewString()})
}

// handleMessage runs one turn. Clients sending Accept: text/event-stream get
// delta events followed by a done event carrying the TurnResult.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		result, err := s.deps.Chat.Turn(r.Context(), sessionID, req.Message, nil)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	onDelta := func(delta string) error {
		if err := writeEvent(w, "delta", delta); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := s.deps.Chat.Turn(r.Context(), sessionID, req.Message, onDelta)
	if err != nil {
		s.logger.Warn("turn failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = writeEvent(w, "error", map[string]string{"error": err.Error()})
		flusher.Flush()
		return
	}
	_ = writeEvent(w, "done", result)
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Chat.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	mapping, err := s.deps.Chat.Mapping(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mapping": mapping})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Chat.DeleteSession(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMask(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Chat.Mask(r.Context(), req.SessionID, req.Text)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	types := make([]string, 0, len(res.Entities))
	seen := make(map[string]bool)
	for _, e := range res.Entities {
		if !seen[e.Label] {
			seen[e.Label] = true
			types = append(types, e.Label)
		}
	}
	mapping := res.MaskedToOriginal
	if mapping == nil {
		mapping = map[string]string{}
	}
	writeJSON(w, http.StatusOK, maskResponse{
		MaskedText:  res.MaskedText,
		Mapping:     mapping,
		EntityTypes: types,
		Degraded:    res.Degraded,
	})
}

func (s *Server) handleUnmask(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Chat.Unmask(r.Context(), req.SessionID, req.Text)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, unmaskResponse{Text: res.Text, Unresolved: res.Unresolved})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeBody(w, r, &req) {
		return
	}
	alert, err := s.deps.Chat.Validate(r.Context(), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alert": alert})
}

// handleLogs returns audit log entries, newest first
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "Logging not available")
		return
	}

	limit := 100
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	logs, err := s.deps.Logs.GetLogs(ctx, limit, offset)
	if err != nil {
		s.logger.Error("failed to retrieve logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve logs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":   logs,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}
	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "text and source are required")
		return
	}
	n, err := s.deps.Ingestor.IngestText(r.Context(), req.Text, req.Source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"source": req.Source, "chunks": n})
}
