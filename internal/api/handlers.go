package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/auth"
	"github.com/whisper/match-chat/internal/chat"
	"github.com/whisper/match-chat/internal/report"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 16 << 10

func viewer(r *http.Request) string {
	user, _ := auth.UserFrom(r.Context())
	return user
}

func messageID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Chat.GetConversations(r.Context(), viewer(r))
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []chat.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	other := mux.Vars(r)["userID"]
	page, pageSize := 1, chat.DefaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "page must be an integer")
			return
		}
		page = n
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "page_size must be an integer")
			return
		}
		pageSize = n
	}

	msgs, err := s.deps.Chat.GetConversation(r.Context(), viewer(r), other, page, pageSize)
	if errors.Is(err, chat.ErrInvalidPage) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "page and page_size must be at least 1")
		return
	}
	if err != nil {
		s.internalError(w, "get conversation", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": chat.ConversationID(viewer(r), other),
		"page":            page,
		"messages":        msgs,
	})
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid message id")
		return
	}
	m, err := s.deps.Chat.Get(r.Context(), id, viewer(r))
	if errors.Is(err, chat.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "message not found")
		return
	}
	if err != nil {
		s.internalError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid message id")
		return
	}
	updated, err := s.deps.Chat.MarkRead(r.Context(), id, viewer(r))
	if err != nil {
		s.internalError(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid message id")
		return
	}
	deleted, err := s.deps.Chat.Delete(r.Context(), id, viewer(r))
	if err != nil {
		s.internalError(w, "delete message", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, CodeNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type reportRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// createReport files an abuse report against a match. The report is stored
// with a snapshot of the latest messages when a report log is configured, and
// counted toward an automatic ban.
func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid json")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	reporter := viewer(r)

	switch {
	case req.UserID == "":
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "user_id is required")
		return
	case req.UserID == reporter:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "cannot report yourself")
		return
	case !report.ValidReason(req.Reason):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "reason must be one of harassment, spam, explicit, other")
		return
	}

	ctx := r.Context()
	if !s.deps.Matches.AreMatched(ctx, reporter, req.UserID) {
		writeError(w, http.StatusForbidden, CodeNotAuthorized, "you can only report your matches")
		return
	}

	if s.deps.Reports != nil {
		rep := &report.Report{
			ReporterID:     reporter,
			ReportedID:     req.UserID,
			ConversationID: chat.ConversationID(reporter, req.UserID),
			Reason:         req.Reason,
		}
		recent, err := s.deps.Chat.Recent(ctx, reporter, req.UserID, report.SnapshotSize)
		if err != nil {
			s.log.Warn("report snapshot failed", zap.String("reporter", reporter), zap.Error(err))
		}
		for _, m := range recent {
			rep.Messages = append(rep.Messages, report.MessageEntry{From: m.SenderID, Text: m.Body, Ts: m.SentAt.Unix()})
		}
		if err := s.deps.Reports.Create(ctx, rep); err != nil {
			s.internalError(w, "store report", err)
			return
		}
	}

	outcome, err := s.deps.Bans.ReportAndCheck(ctx, req.UserID, reporter)
	if err != nil {
		s.log.Warn("report counting failed", zap.String("reported", req.UserID), zap.Error(err))
	} else if outcome.Banned {
		s.log.Info("user banned after reports",
			zap.String("user", req.UserID),
			zap.Int("reports", outcome.Reports),
			zap.Duration("duration", outcome.Duration),
		)
	}

	s.log.Info("report filed", zap.String("reporter", reporter), zap.String("reported", req.UserID), zap.String("reason", req.Reason))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (s *Server) deleteUserMessages(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["userID"]
	n, err := s.deps.Chat.DeleteAllForUser(r.Context(), user)
	if err != nil {
		s.internalError(w, "delete user messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
