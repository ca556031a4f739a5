package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dbredin/switchboard/internal/archive"
	"github.com/dbredin/switchboard/internal/storage"
)

// APIHandler serves the broker's HTTP surface: the video catalogue,
// session creation, offer submission, health, and the job history.
type APIHandler struct {
	hub     *Hub
	storage storage.Storage
	arch    archive.Archive
	videos  []string
	log     *slog.Logger
}

// NewAPIHandler creates a new API handler. videos is the clip catalogue a
// session may reference.
func NewAPIHandler(hub *Hub, store storage.Storage, videos []string, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		hub:     hub,
		storage: store,
		videos:  videos,
		log:     log,
	}
}

// SetArchive enables the /jobs/{id}/exchange endpoint.
func (h *APIHandler) SetArchive(a archive.Archive) {
	h.arch = a
}

// ServeHTTP routes API requests.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case path == "/videos" && r.Method == http.MethodGet:
		h.getVideos(w, r)
	case path == "/health" && r.Method == http.MethodGet:
		h.getHealth(w, r)

	case path == "/session" && r.Method == http.MethodPost:
		h.createSession(w, r)
	case strings.HasPrefix(path, "/session/") && strings.HasSuffix(path, "/offer"):
		sid := strings.TrimSuffix(strings.TrimPrefix(path, "/session/"), "/offer")
		if r.Method == http.MethodPost {
			h.submitOffer(w, r, sid)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	case path == "/sessions" && r.Method == http.MethodGet:
		h.listSessions(w, r)

	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)
	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/exchange"):
		jobID := strings.TrimSuffix(strings.TrimPrefix(path, "/jobs/"), "/exchange")
		if r.Method == http.MethodGet {
			h.getExchange(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, "/jobs/"):
		jobID := strings.TrimPrefix(path, "/jobs/")
		if r.Method == http.MethodGet {
			h.getJob(w, r, jobID)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Catalogue and health ---

func (h *APIHandler) getVideos(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]any{"videos": h.videos})
}

type healthResponse struct {
	OK          bool     `json:"ok"`
	Workers     int      `json:"workers"`
	QueueLength int      `json:"queue_length"`
	JobsTotal   int      `json:"jobs_total"`
	Sessions    int      `json:"sessions"`
	Videos      []string `json:"videos"`
}

func (h *APIHandler) getHealth(w http.ResponseWriter, _ *http.Request) {
	stats := h.hub.Stats()
	h.writeJSON(w, healthResponse{
		OK:          true,
		Workers:     stats.Workers,
		QueueLength: stats.QueueLength,
		JobsTotal:   stats.Jobs,
		Sessions:    stats.Sessions,
		Videos:      h.videos,
	})
}

// --- Sessions ---

type createSessionRequest struct {
	Filename   string          `json:"filename"`
	Ammunition json.RawMessage `json:"ammunition"`
	CustomID   string          `json:"custom_id,omitempty"`
}

func (h *APIHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !h.knownVideo(req.Filename) {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	sess, err := h.hub.CreateSession(req.CustomID, req.Filename, req.Ammunition)
	if err != nil {
		if errors.Is(err, ErrNoWorkers) {
			http.Error(w, "no workers connected", http.StatusServiceUnavailable)
			return
		}
		h.log.Error("failed to create session", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]string{
		"session_id": sess.ID,
		"filename":   sess.Filename,
	})
}

func (h *APIHandler) knownVideo(filename string) bool {
	for _, v := range h.videos {
		if v == filename {
			return true
		}
	}
	return false
}

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

func (h *APIHandler) submitOffer(w http.ResponseWriter, r *http.Request, sid string) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SDP == "" {
		http.Error(w, "sdp is required", http.StatusBadRequest)
		return
	}

	// Workers receive the offer exactly as submitted: {sdp, type}.
	payload, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	jobID, position, err := h.hub.Enqueue(sid, payload)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to enqueue offer", "session_id", sid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"job_id":   jobID,
		"position": position,
	}); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

type sessionResponse struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	JobsTotal int64     `json:"jobs_total"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *APIHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	sessions, err := h.storage.ListSessions(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to list sessions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = sessionResponse{
			ID:        s.ID,
			Filename:  s.Filename,
			JobsTotal: s.JobsTotal,
			CreatedAt: s.CreatedAt,
		}
	}
	h.writeJSON(w, map[string]any{"sessions": resp})
}

// --- Jobs ---

type jobResponse struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Filename   string     `json:"filename"`
	State      string     `json:"state"`
	WorkerID   *string    `json:"worker_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Live describes a job still held by the broker; Position is the
	// current 0-based queue index, -1 once dispatched.
	Live     bool `json:"live"`
	Position int  `json:"position"`
}

func (h *APIHandler) jobToResponse(j *storage.Job) jobResponse {
	resp := jobResponse{
		ID:         j.ID,
		SessionID:  j.SessionID,
		Filename:   j.Filename,
		State:      string(j.State),
		WorkerID:   j.WorkerID,
		CreatedAt:  j.CreatedAt,
		AssignedAt: j.AssignedAt,
		FinishedAt: j.FinishedAt,
		Position:   -1,
	}

	// Overlay the live view; the write-behind store may trail it.
	if live, ok := h.hub.JobView(j.ID); ok {
		resp.Live = true
		resp.State = string(live.State)
		resp.Position = live.Position
		if live.WorkerID != "" {
			wid := live.WorkerID
			resp.WorkerID = &wid
		}
	}
	return resp
}

func (h *APIHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.JobFilter{
		SessionID: q.Get("session"),
		State:     storage.JobState(q.Get("state")),
		Limit:     50, // default
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 100 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	jobs, err := h.storage.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list jobs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := make([]jobResponse, len(jobs))
	for i, j := range jobs {
		resp[i] = h.jobToResponse(j)
	}
	h.writeJSON(w, map[string]any{"jobs": resp})
}

func (h *APIHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.storage.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to get job", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, h.jobToResponse(job))
}

func (h *APIHandler) getExchange(w http.ResponseWriter, r *http.Request, jobID string) {
	if h.arch == nil {
		http.Error(w, "archive not configured", http.StatusNotFound)
		return
	}

	ex, err := h.arch.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			http.Error(w, "exchange not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to get exchange", "job_id", jobID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, ex)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}
