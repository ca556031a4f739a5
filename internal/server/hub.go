package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbredin/switchboard/internal/archive"
	"github.com/dbredin/switchboard/internal/protocol"
	"github.com/dbredin/switchboard/internal/storage"
)

const (
	// Buffered frames per socket before the peer is declared dead.
	sendBuffer = 256

	// Pending write-behind storage and archive operations.
	persistBuffer = 1024

	persistTimeout = 5 * time.Second
	sweepInterval  = time.Minute

	// Safety net: a scheduler pass runs on this period even if every
	// trigger was missed, so a queued job can never be stranded.
	dispatchInterval = 5 * time.Second
)

// Session is the live record of one client engagement: a video, an opaque
// ammunition bag, and any number of jobs spawned from it.
type Session struct {
	ID           string
	Filename     string
	Ammunition   json.RawMessage
	CreatedAt    time.Time
	LastActivity time.Time
}

// Job is one WebRTC offer/answer round. Payload carries the client's offer
// body verbatim; Ammunition is the session's bag snapshotted at creation so
// later session changes never affect a job already in flight.
type Job struct {
	ID         string
	SessionID  string
	Filename   string
	Ammunition json.RawMessage
	Payload    json.RawMessage
	State      storage.JobState
	Inflight   bool
	WorkerID   string
	CreatedAt  time.Time
	EnqueuedAt time.Time
}

// WorkerConn is the hub side of one worker socket. Send is drained by the
// connection's write pump; the hub never writes to the network directly.
type WorkerConn struct {
	ID             string
	Send           chan []byte
	CurrentSession string
	JobsCount      int
	ConnectedAt    time.Time

	closed bool // guarded by the hub lock
}

// Subscriber is one client socket listening for a single job's events.
type Subscriber struct {
	JobID     string
	SessionID string
	Send      chan []byte

	closed bool // guarded by the hub lock
}

// persistOp is a deferred storage or archive write. Ops are enqueued under
// the hub lock and executed in order on a single goroutine, so the database
// sees transitions in the order they happened without the lock ever being
// held across a write.
type persistOp struct {
	name string
	fn   func(context.Context) error
}

// Hub owns the broker's shared state: sessions, jobs, workers, the queue,
// and per-job subscriber sets. One exclusive lock serializes every mutation.
// Socket delivery goes through per-connection buffered channels, so no
// network write ever happens under the lock; a full or closed channel is
// treated as a dead peer.
type Hub struct {
	store   storage.Storage
	log     *slog.Logger
	metrics *Metrics

	arch       archive.Archive
	sessionTTL time.Duration

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup
	persistCh chan persistOp

	mu             sync.Mutex
	sessions       map[string]*Session
	jobs           map[string]*Job
	workers        map[string]*WorkerConn
	queue          jobQueue
	subscribers    map[string]map[*Subscriber]bool
	sessionClients map[string]int
	clientCount    int
}

// NewHub creates a hub writing audit records through to store.
func NewHub(store storage.Storage, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:          store,
		log:            log,
		metrics:        NewMetrics(),
		ctx:            ctx,
		cancelCtx:      cancel,
		persistCh:      make(chan persistOp, persistBuffer),
		sessions:       make(map[string]*Session),
		jobs:           make(map[string]*Job),
		workers:        make(map[string]*WorkerConn),
		subscribers:    make(map[string]map[*Subscriber]bool),
		sessionClients: make(map[string]int),
	}
}

// SetArchive enables archiving of completed SDP exchanges.
func (h *Hub) SetArchive(a archive.Archive) {
	h.arch = a
}

// SetSessionTTL enables eviction of idle session records. Zero disables it.
func (h *Hub) SetSessionTTL(d time.Duration) {
	h.sessionTTL = d
}

// Metrics returns the hub's collectors for mounting under /metrics.
func (h *Hub) Metrics() *Metrics {
	return h.metrics
}

// Start launches the write-behind persister, the periodic scheduler pass,
// and, when a session TTL is configured, the idle-session sweeper.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.persistLoop()
	go h.dispatchLoop()

	if h.sessionTTL > 0 {
		h.wg.Add(1)
		go h.sweepLoop()
	}
}

// Stop flushes pending writes and waits for background goroutines.
func (h *Hub) Stop() {
	h.cancelCtx()
	h.wg.Wait()
}

func (h *Hub) persistLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			// Drain whatever was queued before shutdown.
			for {
				select {
				case op := <-h.persistCh:
					h.runPersist(op)
				default:
					return
				}
			}
		case op := <-h.persistCh:
			h.runPersist(op)
		}
	}
}

func (h *Hub) runPersist(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := op.fn(ctx); err != nil {
		h.log.Warn("write-behind failed", "op", op.name, "error", err)
	}
}

// enqueuePersistLocked queues a storage or archive write without blocking.
// A full backlog drops the write: the audit trail is best-effort and never
// allowed to stall the broker.
func (h *Hub) enqueuePersistLocked(name string, fn func(context.Context) error) {
	select {
	case h.persistCh <- persistOp{name: name, fn: fn}:
	default:
		h.log.Warn("write-behind backlog full, dropping", "op", name)
	}
}

func (h *Hub) dispatchLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Dispatch()
		}
	}
}

// Dispatch runs one scheduler pass. Every state transition already calls
// the scheduler synchronously; this is the entry point for the ticker.
func (h *Hub) Dispatch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dispatchLocked()
	h.updateGaugesLocked()
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.sweepSessions()
		}
	}
}

// sweepSessions drops session records idle past the TTL. A session stays as
// long as any live job references it or any client socket is counted
// against it.
func (h *Hub) sweepSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.sessionTTL)
	referenced := make(map[string]bool)
	for _, job := range h.jobs {
		referenced[job.SessionID] = true
	}

	for id, sess := range h.sessions {
		if sess.LastActivity.After(cutoff) || referenced[id] || h.sessionClients[id] > 0 {
			continue
		}
		delete(h.sessions, id)
		h.log.Debug("evicted idle session", "session_id", id)
	}
	h.updateGaugesLocked()
}

// CreateSession registers a new session. A caller-supplied id replaces any
// previous session stored under it. Refused while no workers are connected.
func (h *Hub) CreateSession(customID, filename string, ammunition json.RawMessage) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.workers) == 0 {
		return nil, ErrNoWorkers
	}

	id := customID
	if id == "" {
		id = newID()
	}
	if len(ammunition) == 0 || string(ammunition) == "null" {
		// Workers always receive an object, never null.
		ammunition = json.RawMessage("{}")
	}
	now := time.Now()
	sess := &Session{
		ID:           id,
		Filename:     filename,
		Ammunition:   ammunition,
		CreatedAt:    now,
		LastActivity: now,
	}
	h.sessions[id] = sess

	h.enqueuePersistLocked("create session", func(ctx context.Context) error {
		return h.store.CreateSession(ctx, &storage.Session{
			ID:        id,
			Filename:  filename,
			CreatedAt: now,
		})
	})
	h.log.Info("session created", "session_id", id, "filename", filename)
	h.updateGaugesLocked()
	return sess, nil
}

// Subscribe attaches a client socket to a job's event stream, bumps the
// session's client count, and queues the current position frame.
func (h *Hub) Subscribe(jobID string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job := h.jobs[jobID]
	if job == nil {
		return nil, ErrUnknownJob
	}

	sub := &Subscriber{
		JobID:     jobID,
		SessionID: job.SessionID,
		Send:      make(chan []byte, sendBuffer),
	}
	set := h.subscribers[jobID]
	if set == nil {
		set = make(map[*Subscriber]bool)
		h.subscribers[jobID] = set
	}
	set[sub] = true
	h.sessionClients[job.SessionID]++
	h.clientCount++

	h.notifySubscriberLocked(sub, protocol.NewQueuePosition(h.queue.Position(jobID)))
	h.updateGaugesLocked()
	return sub, nil
}

// Unsubscribe detaches a client socket. When the session's last client
// leaves, every non-terminal job of the session is stopped.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeSubscriberLocked(sub)
	h.clientCount--

	sid := sub.SessionID
	if n, ok := h.sessionClients[sid]; ok {
		n--
		if n <= 0 {
			delete(h.sessionClients, sid)
			h.stopSessionLocked(sid)
		} else {
			h.sessionClients[sid] = n
		}
	}
	h.updateGaugesLocked()
}

// removeSubscriberLocked drops sub from its job's set and closes its send
// channel. Safe to call twice; the notifier prunes through here as well.
func (h *Hub) removeSubscriberLocked(sub *Subscriber) {
	if set, ok := h.subscribers[sub.JobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, sub.JobID)
		}
	}
	if !sub.closed {
		close(sub.Send)
		sub.closed = true
	}
}

// notifyJobLocked fans a frame out to every subscriber of a job. A
// subscriber whose channel is full or closed is pruned from the set.
func (h *Hub) notifyJobLocked(jobID string, v any) {
	set := h.subscribers[jobID]
	if len(set) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal frame", "error", err)
		return
	}
	for sub := range set {
		select {
		case sub.Send <- data:
		default:
			h.removeSubscriberLocked(sub)
		}
	}
}

func (h *Hub) notifySubscriberLocked(sub *Subscriber, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal frame", "error", err)
		return
	}
	select {
	case sub.Send <- data:
	default:
		h.removeSubscriberLocked(sub)
	}
}

// sendToWorkerLocked queues a frame on a worker's socket. False means the
// worker is dead or hopelessly backlogged; callers treat that as
// authoritative.
func (h *Hub) sendToWorkerLocked(w *WorkerConn, v any) bool {
	if w.closed {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal frame", "error", err)
		return false
	}
	select {
	case w.Send <- data:
		return true
	default:
		return false
	}
}

// broadcastPositionsLocked refreshes every queued job's subscribers with
// its current 0-based position.
func (h *Hub) broadcastPositionsLocked() {
	for idx, jobID := range h.queue.ids {
		h.notifyJobLocked(jobID, protocol.NewQueuePosition(idx))
	}
}

// Stats is a point-in-time summary for the health endpoint.
type Stats struct {
	Workers     int
	QueueLength int
	Jobs        int
	Sessions    int
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Workers:     len(h.workers),
		QueueLength: h.queue.Len(),
		Jobs:        len(h.jobs),
		Sessions:    len(h.sessions),
	}
}

// JobView is a point-in-time copy of a live job for the HTTP API.
type JobView struct {
	ID        string
	SessionID string
	Filename  string
	State     storage.JobState
	WorkerID  string
	Position  int
	CreatedAt time.Time
}

// JobView returns the live view of a job, or false once the job has left
// the registry.
func (h *Hub) JobView(jobID string) (JobView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	job := h.jobs[jobID]
	if job == nil {
		return JobView{}, false
	}
	return JobView{
		ID:        job.ID,
		SessionID: job.SessionID,
		Filename:  job.Filename,
		State:     job.State,
		WorkerID:  job.WorkerID,
		Position:  h.queue.Position(jobID),
		CreatedAt: job.CreatedAt,
	}, true
}

func (h *Hub) updateGaugesLocked() {
	h.metrics.queueLength.Set(float64(h.queue.Len()))
	h.metrics.workersConnected.Set(float64(len(h.workers)))
	h.metrics.clientsConnected.Set(float64(h.clientCount))
	h.metrics.sessionsActive.Set(float64(len(h.sessions)))
}

// newID returns a random 128-bit hex identifier.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
