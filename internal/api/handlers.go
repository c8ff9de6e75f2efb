package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/intynet/neti/internal/flow"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/util"
)

const healthCheckTimeout = 2 * time.Second

// TestMessageRequest is the body of POST /test/message.
type TestMessageRequest struct {
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name,omitempty"`
	Message      string `json:"message"`
}

// TestMessageResult is the result of POST /test/message.
type TestMessageResult struct {
	RequestID string `json:"request_id"`
	flow.Reply
}

// SessionView is the admin view of a stored session.
type SessionView struct {
	models.Session
	HistoryLength int `json:"history_length"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	result := map[string]string{
		"environment": s.opts.Environment,
		"store":       s.opts.StoreKind,
	}
	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.opts.Store.Ping(ctx); err != nil {
			slog.Warn("Server.healthHandler: store unreachable", "error", err)
			result["store_status"] = "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, models.NewAPIResponseBuilder().
				WithStatus(models.APIStatusError).
				WithMessage("session store unreachable").
				WithResult(result).
				Build())
			return
		}
		result["store_status"] = "ok"
	}
	writeJSON(w, http.StatusOK, models.Success(result))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.conv.Stats(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read sessions")
		return
	}
	result := map[string]any{
		"sessions":  stats,
		"timestamp": s.now().Format(time.RFC3339),
	}
	if s.opts.Buffer != nil {
		result["buffer"] = map[string]any{
			"delay_seconds":  s.opts.BufferDelay.Seconds(),
			"active_buffers": s.opts.Buffer.Pending(),
		}
	}
	writeJSON(w, http.StatusOK, models.Success(result))
}

// testMessageHandler runs one message through the conversation without
// debouncing or delivery and returns the reply.
func (s *Server) testMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req TestMessageRequest
	if err := decodeJSON(w, r, models.MaxMessageLength*2, &req); err != nil {
		slog.Warn("Server.testMessageHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	msg := models.InboundMessage{
		Channel:      models.ChannelTest,
		CustomerID:   strings.TrimSpace(req.CustomerID),
		CustomerName: req.CustomerName,
		Text:         strings.TrimSpace(req.Message),
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID := util.RequestID("test_", 12)
	reply, err := s.conv.HandleMessage(r.Context(), msg.CustomerID, msg.CustomerName, msg.Text)
	if err != nil {
		slog.Error("Server.testMessageHandler: handle failed", "requestID", requestID, "customerID", msg.CustomerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(err.Error()).
			WithResult(TestMessageResult{RequestID: requestID, Reply: reply}).
			Build())
		return
	}
	slog.Debug("Server.testMessageHandler: processed", "requestID", requestID, "customerID", msg.CustomerID, "state", reply.State)
	writeJSON(w, http.StatusOK, models.Success(TestMessageResult{RequestID: requestID, Reply: reply}))
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.conv.List(r.Context())
	if err != nil {
		slog.Error("Server.listSessionsHandler: list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, SessionView{Session: sess, HistoryLength: len(sess.History)})
	}
	writeJSON(w, http.StatusOK, models.Success(views))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	sess, err := s.conv.Get(r.Context(), customerID)
	if err != nil {
		slog.Error("Server.getSessionHandler: get failed", "customerID", customerID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, models.Success(SessionView{Session: *sess, HistoryLength: len(sess.History)}))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	existing, err := s.conv.Get(r.Context(), customerID)
	if err != nil {
		slog.Error("Server.deleteSessionHandler: get failed", "customerID", customerID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read session")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err := s.conv.Reset(r.Context(), customerID); err != nil {
		slog.Error("Server.deleteSessionHandler: reset failed", "customerID", customerID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	slog.Info("Server.deleteSessionHandler: session reset", "customerID", customerID)
	writeJSON(w, http.StatusOK, models.SuccessWithMessage("Session deleted", map[string]string{"customer_id": customerID}))
}
