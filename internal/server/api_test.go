package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dbredin/switchboard/internal/archive"
)

func newTestAPI(t *testing.T, h *Hub) *APIHandler {
	t.Helper()
	videos := []string{"test_video_1.mp4", "test_video_2.mp4"}
	return NewAPIHandler(h, h.store, videos, nil)
}

func doJSON(t *testing.T, api *APIHandler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Code < 300 && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestAPIVideos(t *testing.T) {
	h := newTestHub(t)
	api := newTestAPI(t, h)

	rec, body := doJSON(t, api, http.MethodGet, "/videos", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	videos := body["videos"].([]any)
	if len(videos) != 2 || videos[0] != "test_video_1.mp4" {
		t.Errorf("videos = %v", videos)
	}
}

func TestAPIHealth(t *testing.T) {
	h := newTestHub(t)
	newTestWorker(t, h, "w1")
	api := newTestAPI(t, h)

	rec, body := doJSON(t, api, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["ok"] != true {
		t.Error("ok = false")
	}
	if body["workers"] != float64(1) {
		t.Errorf("workers = %v, want 1", body["workers"])
	}
	if body["queue_length"] != float64(0) {
		t.Errorf("queue_length = %v, want 0", body["queue_length"])
	}
	if _, isList := body["videos"].([]any); !isList {
		t.Errorf("videos = %v, want the catalogue list", body["videos"])
	}
}

func TestAPICreateSession(t *testing.T) {
	h := newTestHub(t)
	api := newTestAPI(t, h)

	// No workers yet: capacity error.
	rec, _ := doJSON(t, api, http.MethodPost, "/session",
		`{"filename":"test_video_1.mp4","ammunition":{}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	newTestWorker(t, h, "w1")

	// Unknown filename.
	rec, _ = doJSON(t, api, http.MethodPost, "/session",
		`{"filename":"nope.mp4","ammunition":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	// Happy path.
	rec, body := doJSON(t, api, http.MethodPost, "/session",
		`{"filename":"test_video_1.mp4","ammunition":{"1":"tracker"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body["filename"] != "test_video_1.mp4" {
		t.Errorf("filename = %v", body["filename"])
	}
	if sid, _ := body["session_id"].(string); len(sid) != 32 {
		t.Errorf("session_id = %v, want 32-char hex", body["session_id"])
	}

	// custom_id is adopted verbatim.
	rec, body = doJSON(t, api, http.MethodPost, "/session",
		`{"filename":"test_video_1.mp4","ammunition":{},"custom_id":"pinned"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["session_id"] != "pinned" {
		t.Errorf("session_id = %v, want pinned", body["session_id"])
	}
}

func TestAPISubmitOffer(t *testing.T) {
	h := newTestHub(t)
	w := newTestWorker(t, h, "w1")
	w.CurrentSession = "elsewhere" // keep the job queued
	api := newTestAPI(t, h)

	rec, _ := doJSON(t, api, http.MethodPost, "/session/unknown/offer",
		`{"sdp":"v=0","type":"offer"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	sess, _ := h.CreateSession("", "test_video_1.mp4", nil)

	rec, body := doJSON(t, api, http.MethodPost, "/session/"+sess.ID+"/offer",
		`{"sdp":"v=0","type":"offer"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if body["position"] != float64(0) {
		t.Errorf("position = %v, want 0", body["position"])
	}
	if id, _ := body["job_id"].(string); len(id) != 32 {
		t.Errorf("job_id = %v, want 32-char hex", body["job_id"])
	}
}

func TestAPISubmitOfferImmediateAssign(t *testing.T) {
	h := newTestHub(t)
	newTestWorker(t, h, "w1")
	api := newTestAPI(t, h)

	sess, _ := h.CreateSession("", "test_video_1.mp4", nil)

	rec, body := doJSON(t, api, http.MethodPost, "/session/"+sess.ID+"/offer",
		`{"sdp":"v=0","type":"offer"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if body["position"] != float64(-1) {
		t.Errorf("position = %v, want -1 when a worker took the job", body["position"])
	}
}

func TestAPIJobHistory(t *testing.T) {
	h := newTestHub(t)
	h.Start()
	t.Cleanup(h.Stop)
	w := newTestWorker(t, h, "w1")
	api := newTestAPI(t, h)

	sess, _ := h.CreateSession("", "test_video_1.mp4", nil)
	jobID, _, _ := h.Enqueue(sess.ID, json.RawMessage(`{"sdp":"v=0","type":"offer"}`))
	recvFrame(t, w.Send) // offer

	// The write-behind persister needs a moment to land the records.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := h.store.GetJob(context.Background(), jobID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job record never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec, body := doJSON(t, api, http.MethodGet, "/jobs/"+jobID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["id"] != jobID {
		t.Errorf("id = %v, want %s", body["id"], jobID)
	}
	// The live overlay reports the broker's current view.
	if body["live"] != true {
		t.Error("live = false for a job the broker still holds")
	}
	if body["state"] != "assigned" {
		t.Errorf("state = %v, want assigned", body["state"])
	}

	rec, body = doJSON(t, api, http.MethodGet, "/jobs?session="+sess.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	jobs := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}

	rec, _ = doJSON(t, api, http.MethodGet, "/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIExchange(t *testing.T) {
	h := newTestHub(t)
	api := newTestAPI(t, h)

	// Archive not configured.
	rec, _ := doJSON(t, api, http.MethodGet, "/jobs/j1/exchange", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without an archive", rec.Code)
	}

	arch, err := archive.NewFilesystemArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFilesystemArchive failed: %v", err)
	}
	api.SetArchive(arch)

	rec, _ = doJSON(t, api, http.MethodGet, "/jobs/j1/exchange", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for a missing exchange", rec.Code)
	}

	ex := &archive.Exchange{
		JobID:      "j1",
		SessionID:  "s1",
		Filename:   "test_video_1.mp4",
		WorkerID:   "w1",
		Answer:     "v=0 answer",
		ArchivedAt: time.Now(),
	}
	if err := arch.Put(context.Background(), ex); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rec, body := doJSON(t, api, http.MethodGet, "/jobs/j1/exchange", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["answer"] != "v=0 answer" {
		t.Errorf("answer = %v", body["answer"])
	}
}

func TestAPIMethodNotAllowed(t *testing.T) {
	h := newTestHub(t)
	api := newTestAPI(t, h)

	rec, _ := doJSON(t, api, http.MethodDelete, "/videos", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE /videos status = %d, want 404", rec.Code)
	}
	rec, _ = doJSON(t, api, http.MethodGet, "/session", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /session status = %d, want 404", rec.Code)
	}
}
