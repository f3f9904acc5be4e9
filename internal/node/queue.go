package node

import (
	"sync"

	"gwire/internal/logger"
	"gwire/internal/stats"
	"gwire/pkg/gnet/header"
)

// sendQueue holds outbound messages awaiting transmission. Control
// messages overtake data; under pressure the least important
// droppable message is shed per header.Compare / header.CanDrop.
type sendQueue struct {
	mu      sync.Mutex
	control []*header.Message
	data    []*header.Message
	limit   int
	stats   *stats.Counters
}

func newSendQueue(limit int, st *stats.Counters) *sendQueue {
	if st == nil {
		st = stats.Default()
	}

	return &sendQueue{limit: limit, stats: st}
}

// Enqueue queues m, shedding a droppable message if the queue is
// full. Returns false when m itself had to be dropped.
func (q *sendQueue) Enqueue(m *header.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.control)+len(q.data) >= q.limit {
		if !q.shed(m) {
			q.stats.FlowControlDrops.Add(1)
			logger.Dropf("queue: full, dropping %s", m.Header.Function)

			return false
		}
	}

	if m.Priority == header.PriorityControl {
		q.control = append(q.control, m)
	} else {
		q.data = append(q.data, m)
	}

	return true
}

// shed evicts the least important droppable data message that
// compares below m. Control messages are never shed.
func (q *sendQueue) shed(m *header.Message) bool {
	victim := -1

	for i, cand := range q.data {
		if !header.CanDrop(cand) {
			continue
		}

		if header.Compare(cand, m) >= 0 {
			continue
		}

		if victim < 0 || header.Compare(cand, q.data[victim]) < 0 {
			victim = i
		}
	}

	if victim < 0 {
		return false
	}

	q.data = append(q.data[:victim], q.data[victim+1:]...)
	q.stats.FlowControlDrops.Add(1)

	return true
}

// Dequeue pops the next sendable message, control first, in FIFO
// order within each priority band. Messages whose pre-send check now
// fails are discarded. Returns nil when the queue is empty.
func (q *sendQueue) Dequeue() *header.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		var m *header.Message

		switch {
		case len(q.control) > 0:
			m = q.control[0]
			q.control = q.control[1:]
		case len(q.data) > 0:
			m = q.data[0]
			q.data = q.data[1:]
		default:
			return nil
		}

		if m.Sendable() {
			return m
		}
		// Queueing delay invalidated the message; drop and try the
		// next one.
	}
}

// Len reports the number of queued messages.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.control) + len(q.data)
}
