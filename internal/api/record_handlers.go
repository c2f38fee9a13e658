package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/remote"
)

type submitResponse struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

// submit handles POST /api/crawler/submit from a remote crawler. A record whose
// title already exists is skipped.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var rec crawler.NewsRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec.Title = strings.TrimSpace(rec.Title)
	if rec.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	rec = rec.ApplyDefaults()
	rec.ID = 0
	ctx := r.Context()

	exists, err := s.deps.Records.ExistsByTitle(ctx, rec.Title)
	if err != nil {
		s.logger.Error("submit lookup failed", zap.Error(err), zap.String("title", rec.Title))
		writeError(w, http.StatusInternalServerError, "failed to check record")
		return
	}
	if exists {
		writeJSON(w, http.StatusOK, submitResponse{Success: true, Action: remote.ActionSkipped, Message: "already exists"})
		return
	}

	if rec.AuthorID == 0 {
		rec.AuthorID = crawler.DefaultAuthorID
		if s.deps.Authors != nil {
			id, ok, err := s.deps.Authors.DefaultAuthor(ctx)
			if err != nil {
				s.logger.Warn("resolve author failed", zap.Error(err))
			} else if ok {
				rec.AuthorID = id
			}
		}
	}

	id, err := s.deps.Records.Create(ctx, rec)
	if err != nil {
		s.logger.Error("submit create failed", zap.Error(err), zap.String("title", rec.Title))
		writeError(w, http.StatusInternalServerError, "failed to save record")
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Success: true, Action: remote.ActionAdded, ID: id})
}

type checkRequest struct {
	Titles []string `json:"titles"`
}

// check handles POST /api/crawler/check and returns which titles are stored.
func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	existing := []string{}
	if len(req.Titles) > 0 {
		found, err := s.deps.Records.ExistingTitles(r.Context(), req.Titles)
		if err != nil {
			s.logger.Error("check titles failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to check titles")
			return
		}
		if found != nil {
			existing = found
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"existingTitles": existing,
	})
}

type deleteRequest struct {
	IDs []int64 `json:"ids"`
}

// deleteRecords handles POST /api/crawler/delete.
func (s *Server) deleteRecords(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	deleted, err := s.deps.Records.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		s.logger.Error("delete records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
	})
}
