package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"weibocrawler/pkg/jobs"
	"weibocrawler/pkg/sink"
)

type refreshRequest struct {
	UserIDList []string `json:"user_id_list"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id, err := s.deps.Queue.Submit(req.UserIDList)
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, jobs.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.log.WithError(err).Error("failed to submit job")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"message": "task queued",
	})
}

func (s *Server) task(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Status(r.PathValue("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"state":    "UNKNOWN",
			"progress": 0,
			"error":    "task not found",
		})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Queue.Jobs())
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Queue.Cancel()
	if errors.Is(err, jobs.ErrNoRunningJob) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"task_id": id,
		"message": "task cancelled",
	})
}

// intParam reads a non negative query parameter
func intParam(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) weibos(w http.ResponseWriter, r *http.Request) {
	if s.deps.Posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "embedded database not enabled")
		return
	}
	limit, ok := intParam(r, "limit", 50)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	posts, err := s.deps.Posts.Posts(r.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("failed to list posts")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if posts == nil {
		posts = []sink.PostRecord{}
	}
	s.writeJSON(w, http.StatusOK, posts)
}

func (s *Server) weibo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Posts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "embedded database not enabled")
		return
	}
	post, err := s.deps.Posts.Post(r.Context(), r.PathValue("id"))
	if errors.Is(err, sink.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "weibo not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Challenge == nil {
		s.writeError(w, http.StatusServiceUnavailable, "challenge signals not enabled")
		return
	}
	url, pending := s.deps.Challenge.Pending()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"url":     url,
	})
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Challenge == nil {
		s.writeError(w, http.StatusServiceUnavailable, "challenge signals not enabled")
		return
	}
	var ok bool
	switch r.PathValue("outcome") {
	case "confirm":
		ok = true
	case "abort":
	default:
		s.writeError(w, http.StatusNotFound, "unknown outcome")
		return
	}
	if !s.deps.Challenge.Signal(ok) {
		s.writeError(w, http.StatusConflict, "no verification pending")
		return
	}
	s.log.InfoWithFields("verification signalled", map[string]interface{}{"confirmed": ok})
	s.writeJSON(w, http.StatusOK, map[string]bool{"confirmed": ok})
}
