package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dbredin/switchboard/internal/archive"
	"github.com/dbredin/switchboard/internal/protocol"
	"github.com/dbredin/switchboard/internal/storage"
)

// Enqueue wraps an SDP offer into a job for the session, queues it, and
// runs the scheduler. It returns the new job id and its queue position, -1
// when a worker took it immediately. The session's last-activity timestamp
// is refreshed.
func (h *Hub) Enqueue(sessionID string, payload json.RawMessage) (string, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess := h.sessions[sessionID]
	if sess == nil {
		return "", 0, ErrUnknownSession
	}
	sess.LastActivity = time.Now()

	now := time.Now()
	job := &Job{
		ID:         newID(),
		SessionID:  sessionID,
		Filename:   sess.Filename,
		Ammunition: sess.Ammunition,
		Payload:    payload,
		State:      storage.JobStateQueued,
		CreatedAt:  now,
		EnqueuedAt: now,
	}
	h.jobs[job.ID] = job
	h.queue.Append(job.ID)
	h.metrics.jobsEnqueued.Inc()

	h.enqueuePersistLocked("create job", func(ctx context.Context) error {
		return h.store.CreateJob(ctx, &storage.Job{
			ID:        job.ID,
			SessionID: job.SessionID,
			Filename:  job.Filename,
			State:     storage.JobStateQueued,
			CreatedAt: now,
		})
	})
	h.log.Info("job enqueued", "job_id", job.ID, "session_id", sessionID, "filename", job.Filename)

	h.dispatchLocked()
	h.updateGaugesLocked()
	return job.ID, h.queue.Position(job.ID), nil
}

// AddWorker registers a worker socket, acks the handshake, and runs the
// scheduler. A reconnect under an id already registered drops the stale
// connection first.
func (h *Hub) AddWorker(w *WorkerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.workers[w.ID]; old != nil && old != w {
		h.log.Warn("worker id reconnected, dropping stale connection", "worker_id", w.ID)
		h.dropWorkerLocked(old)
	}
	h.workers[w.ID] = w

	if !h.sendToWorkerLocked(w, protocol.NewHelloAck(w.ID)) {
		h.dropWorkerLocked(w)
		return
	}

	h.dispatchLocked()
	h.updateGaugesLocked()
}

// DropWorker removes a worker socket and requeues whatever it was holding.
// Safe for connections that never registered or were already replaced.
func (h *Hub) DropWorker(w *WorkerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	registered := h.workers[w.ID] == w
	h.dropWorkerLocked(w)
	if registered {
		h.broadcastPositionsLocked()
		h.dispatchLocked()
	}
	h.updateGaugesLocked()
}

// dropWorkerLocked unregisters w and cleans up its jobs: in-flight work is
// pushed back to the queue head with an error frame to subscribers, and
// jobs mid-stop are discarded since their teardown confirmation can never
// arrive. The job cleanup only runs when w is the registered connection for
// its id, so a reconnect's state is never clobbered by the old socket.
func (h *Hub) dropWorkerLocked(w *WorkerConn) {
	if h.workers[w.ID] == w {
		delete(h.workers, w.ID)

		for id, job := range h.jobs {
			if job.WorkerID != w.ID {
				continue
			}
			switch job.State {
			case storage.JobStateAssigned, storage.JobStateAnswered:
				h.notifyJobLocked(id, protocol.NewError(protocol.ReasonWorkerDisconnected))
				h.requeueJobLocked(job)
				h.metrics.jobsRequeued.WithLabelValues("worker_disconnected").Inc()
			case storage.JobStateStopping:
				delete(h.jobs, id)
				h.persistJobStateLocked(id, storage.JobStateDone)
				h.log.Debug("dropped stopping job with its worker", "job_id", id, "worker_id", w.ID)
			}
		}
	}
	if !w.closed {
		close(w.Send)
		w.closed = true
	}
}

// WorkerAnswer forwards a worker's SDP answer to the job's subscribers and
// moves the job to answered. Frames for jobs the worker does not own are
// dropped.
func (h *Hub) WorkerAnswer(w *WorkerConn, jobID, sdp string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job := h.jobs[jobID]
	if job == nil {
		h.log.Debug("answer for unknown job", "job_id", jobID, "worker_id", w.ID)
		return
	}
	if job.WorkerID != w.ID {
		h.log.Warn("answer for job owned by another worker", "job_id", jobID, "worker_id", w.ID, "owner", job.WorkerID)
		return
	}
	if job.State != storage.JobStateAssigned && job.State != storage.JobStateAnswered {
		h.log.Debug("answer ignored", "job_id", jobID, "state", string(job.State))
		return
	}

	job.State = storage.JobStateAnswered
	h.notifyJobLocked(jobID, protocol.NewAnswer(sdp))
	h.persistJobStateLocked(jobID, storage.JobStateAnswered)

	if h.arch != nil {
		ex := &archive.Exchange{
			JobID:      jobID,
			SessionID:  job.SessionID,
			Filename:   job.Filename,
			WorkerID:   w.ID,
			Offer:      job.Payload,
			Answer:     sdp,
			ArchivedAt: time.Now(),
		}
		h.enqueuePersistLocked("archive exchange", func(ctx context.Context) error {
			return h.arch.Put(ctx, ex)
		})
	}
	h.log.Debug("answer relayed", "job_id", jobID, "worker_id", w.ID)
}

// WorkerDone removes a finished job, forwards the done frame, releases the
// worker's accounting, and runs the scheduler.
func (h *Hub) WorkerDone(w *WorkerConn, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job := h.jobs[jobID]
	if job == nil {
		h.log.Debug("done for unknown job", "job_id", jobID, "worker_id", w.ID)
		return
	}
	if job.WorkerID != w.ID {
		h.log.Warn("done for job owned by another worker", "job_id", jobID, "worker_id", w.ID, "owner", job.WorkerID)
		return
	}

	h.notifyJobLocked(jobID, protocol.NewDone())
	delete(h.jobs, jobID)
	h.releaseWorkerLocked(w)
	h.persistJobStateLocked(jobID, storage.JobStateDone)
	h.metrics.jobsCompleted.Inc()
	h.log.Info("job done", "job_id", jobID, "worker_id", w.ID, "session_id", job.SessionID)

	h.dispatchLocked()
	h.updateGaugesLocked()
}

// WorkerBusy handles a worker refusing a job: an assigned or answered job
// returns to the queue head and the worker's accounting is released. A busy
// for a job already being stopped discards the job instead of requeueing it.
func (h *Hub) WorkerBusy(w *WorkerConn, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job := h.jobs[jobID]
	if job == nil {
		h.log.Debug("busy for unknown job", "job_id", jobID, "worker_id", w.ID)
		return
	}
	if job.WorkerID != w.ID {
		h.log.Warn("busy for job owned by another worker", "job_id", jobID, "worker_id", w.ID, "owner", job.WorkerID)
		return
	}

	switch job.State {
	case storage.JobStateAssigned, storage.JobStateAnswered:
		h.requeueJobLocked(job)
		h.metrics.jobsRequeued.WithLabelValues("busy").Inc()
		h.log.Debug("worker refused job", "job_id", jobID, "worker_id", w.ID)
	case storage.JobStateStopping:
		delete(h.jobs, jobID)
		h.persistJobStateLocked(jobID, storage.JobStateDone)
		h.log.Debug("worker refused stopping job, discarded", "job_id", jobID, "worker_id", w.ID)
	default:
		h.log.Debug("busy ignored", "job_id", jobID, "state", string(job.State))
		return
	}

	h.releaseWorkerLocked(w)
	h.dispatchLocked()
	if h.queue.Position(jobID) >= 0 {
		// The refused job is still waiting at the head; everything
		// behind it shifted.
		h.broadcastPositionsLocked()
	}
	h.updateGaugesLocked()
}

// requeueJobLocked resets a dispatched job to queued at the head of the
// queue and persists the transition.
func (h *Hub) requeueJobLocked(job *Job) {
	job.Inflight = false
	job.State = storage.JobStateQueued
	job.WorkerID = ""
	job.EnqueuedAt = time.Now()
	h.queue.PushFront(job.ID)

	id := job.ID
	h.persistJobStateLocked(id, storage.JobStateQueued)
	h.enqueuePersistLocked("clear job worker", func(ctx context.Context) error {
		return h.store.UpdateJobWorker(ctx, id, "")
	})
}

// releaseWorkerLocked decrements a worker's outstanding-job count, clamped
// at zero, and unbinds its session when nothing is left.
func (h *Hub) releaseWorkerLocked(w *WorkerConn) {
	if w.JobsCount > 0 {
		w.JobsCount--
	}
	if w.JobsCount == 0 {
		w.CurrentSession = ""
	}
}

func (h *Hub) persistJobStateLocked(jobID string, state storage.JobState) {
	h.enqueuePersistLocked("update job state", func(ctx context.Context) error {
		return h.store.UpdateJobState(ctx, jobID, state)
	})
}

// dispatchLocked runs the assignment loop until nothing more can be
// placed, then refreshes queue positions for the jobs still waiting. The
// refresh only goes out when the queue actually changed, so the periodic
// safety pass stays silent.
func (h *Hub) dispatchLocked() {
	changed := false
	for {
		before := h.queue.Len()
		assigned := h.assignOneLocked()
		if assigned || h.queue.Len() != before {
			changed = true
		}
		if !assigned {
			break
		}
	}
	if changed {
		h.broadcastPositionsLocked()
	}
}

// assignOneLocked walks the queue in order and dispatches the first job
// with an eligible worker. A session already bound to a worker waits for
// that worker rather than spilling to a free one; each free worker takes
// one job at a time. Returns true when the worker set or queue changed and
// the walk should run again.
func (h *Hub) assignOneLocked() bool {
	if len(h.workers) == 0 || h.queue.Len() == 0 {
		return false
	}

	bound := make(map[string]*WorkerConn)
	for _, w := range h.workers {
		if w.CurrentSession != "" {
			bound[w.CurrentSession] = w
		}
	}

	for _, jobID := range h.queue.Snapshot() {
		job := h.jobs[jobID]
		if job == nil || job.Inflight || job.State != storage.JobStateQueued {
			// Stale queue entry.
			h.queue.Remove(jobID)
			continue
		}
		if _, ok := bound[job.SessionID]; ok {
			// The session's worker is mid-job; affinity holds the job for
			// it instead of handing it to a free worker.
			continue
		}
		worker := h.firstFreeWorkerLocked()
		if worker == nil {
			continue
		}

		job.Inflight = true
		job.State = storage.JobStateAssigned
		job.WorkerID = worker.ID
		worker.JobsCount++
		if worker.CurrentSession == "" {
			worker.CurrentSession = job.SessionID
		}
		h.queue.Remove(jobID)

		offer := protocol.NewOffer(jobID, job.SessionID, job.Filename, job.Ammunition, job.Payload)
		if !h.sendToWorkerLocked(worker, offer) {
			h.log.Warn("offer send failed, requeueing", "job_id", jobID, "worker_id", worker.ID)
			h.rollbackAssignmentLocked(job, worker)
			h.dropWorkerLocked(worker)
			return true
		}

		h.notifyJobLocked(jobID, protocol.NewAssigned(worker.ID))
		h.notifyJobLocked(jobID, protocol.NewQueuePosition(-1))

		id := jobID
		workerID := worker.ID
		h.persistJobStateLocked(id, storage.JobStateAssigned)
		h.enqueuePersistLocked("set job worker", func(ctx context.Context) error {
			return h.store.UpdateJobWorker(ctx, id, workerID)
		})
		h.metrics.jobsAssigned.Inc()
		h.metrics.queueWait.Observe(time.Since(job.EnqueuedAt).Seconds())
		h.log.Debug("job assigned", "job_id", jobID, "worker_id", worker.ID, "session_id", job.SessionID)
		return true
	}
	return false
}

// firstFreeWorkerLocked picks the longest-connected worker with no bound
// session, so assignment is stable across walks.
func (h *Hub) firstFreeWorkerLocked() *WorkerConn {
	var pick *WorkerConn
	for _, w := range h.workers {
		if w.CurrentSession != "" {
			continue
		}
		if pick == nil || w.ConnectedAt.Before(pick.ConnectedAt) ||
			(w.ConnectedAt.Equal(pick.ConnectedAt) && w.ID < pick.ID) {
			pick = w
		}
	}
	return pick
}

// rollbackAssignmentLocked undoes an assignment whose offer could not be
// delivered: the worker's accounting is released and the job returns to
// the queue head. Nothing was persisted for the failed assignment, so the
// stored state is still queued.
func (h *Hub) rollbackAssignmentLocked(job *Job, w *WorkerConn) {
	h.releaseWorkerLocked(w)
	job.Inflight = false
	job.State = storage.JobStateQueued
	job.WorkerID = ""
	h.queue.PushFront(job.ID)
	h.metrics.jobsRequeued.WithLabelValues("send_failed").Inc()
}

// stopJobLocked tears one job down: a job still waiting in the queue is
// removed outright with no worker involved; a dispatched job is marked
// stopping and its worker asked to stop. Stop delivery is best-effort; a
// dead worker's disconnect cleanup covers the rest.
func (h *Hub) stopJobLocked(jobID string) {
	job := h.jobs[jobID]
	if job == nil {
		return
	}

	if job.State == storage.JobStateQueued && job.WorkerID == "" {
		h.queue.Remove(jobID)
		delete(h.jobs, jobID)
		h.persistJobStateLocked(jobID, storage.JobStateDone)
		h.metrics.jobsStopped.Inc()
		h.log.Debug("removed queued job", "job_id", jobID)
		h.broadcastPositionsLocked()
		return
	}
	if job.State == storage.JobStateStopping || job.State.Terminal() {
		return
	}

	job.State = storage.JobStateStopping
	h.persistJobStateLocked(jobID, storage.JobStateStopping)
	h.metrics.jobsStopped.Inc()

	if w := h.workers[job.WorkerID]; w != nil {
		if h.sendToWorkerLocked(w, protocol.NewStop(jobID, job.SessionID)) {
			h.log.Debug("stop sent", "job_id", jobID, "worker_id", w.ID)
		} else {
			h.log.Warn("stop send failed", "job_id", jobID, "worker_id", w.ID)
		}
	}
}

// stopSessionLocked stops every non-terminal job of a session. Invoked when
// the session's last client disconnects.
func (h *Hub) stopSessionLocked(sessionID string) {
	var ids []string
	for id, job := range h.jobs {
		if job.SessionID == sessionID && job.State != storage.JobStateStopping && !job.State.Terminal() {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	h.log.Info("last client left, stopping session jobs", "session_id", sessionID, "jobs", len(ids))
	for _, id := range ids {
		h.stopJobLocked(id)
	}
}
