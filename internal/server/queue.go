package server

// jobQueue is an ordered list of queued job ids: FIFO with out-of-order
// removal. Positions are 0-based; -1 means not queued.
type jobQueue struct {
	ids []string
}

// Append adds a job id at the tail.
func (q *jobQueue) Append(id string) {
	q.ids = append(q.ids, id)
}

// PushFront re-queues a job at the head, ahead of everything else.
func (q *jobQueue) PushFront(id string) {
	q.ids = append([]string{id}, q.ids...)
}

// Remove deletes the first occurrence of id, preserving the order of the
// rest. Returns false if the id was not queued.
func (q *jobQueue) Remove(id string) bool {
	for i, v := range q.ids {
		if v == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns the 0-based index of id, or -1 if not queued.
func (q *jobQueue) Position(id string) int {
	for i, v := range q.ids {
		if v == id {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of the queue order, safe to iterate while the
// queue is being mutated.
func (q *jobQueue) Snapshot() []string {
	return append([]string(nil), q.ids...)
}

func (q *jobQueue) Len() int {
	return len(q.ids)
}
