package node

import (
	"testing"

	"gwire/internal/stats"
	"gwire/pkg/gnet/header"
)

func mkMsg(t *testing.T, f header.Function, prio header.Priority) *header.Message {
	t.Helper()

	h := header.Header{
		MUID:     header.NewMUID(),
		Function: f,
		TTL:      3,
	}

	return header.Wrap(h, nil, prio)
}

func TestControlOvertakesData(t *testing.T) {
	q := newSendQueue(0, nil)

	data := mkMsg(t, header.FuncQuery, header.PriorityData)
	ctrl := mkMsg(t, header.FuncVendor, header.PriorityControl)

	q.Enqueue(data)
	q.Enqueue(ctrl)

	if got := q.Dequeue(); got != ctrl {
		t.Error("control message must be dequeued before earlier data")
	}

	if got := q.Dequeue(); got != data {
		t.Error("data message should follow")
	}

	if q.Dequeue() != nil {
		t.Error("queue should be empty")
	}
}

func TestFIFOWithinBand(t *testing.T) {
	q := newSendQueue(0, nil)

	first := mkMsg(t, header.FuncQuery, header.PriorityData)
	second := mkMsg(t, header.FuncQuery, header.PriorityData)

	q.Enqueue(first)
	q.Enqueue(second)

	if q.Dequeue() != first || q.Dequeue() != second {
		t.Error("order within a priority band must be FIFO")
	}
}

func TestPreSendCheckDiscards(t *testing.T) {
	q := newSendQueue(0, nil)

	stale := mkMsg(t, header.FuncQuery, header.PriorityData)
	stale.WithSendCheck(func(*header.Message) bool { return false })

	live := mkMsg(t, header.FuncQuery, header.PriorityData)

	q.Enqueue(stale)
	q.Enqueue(live)

	if got := q.Dequeue(); got != live {
		t.Error("message failing its pre-send check must be skipped at dequeue")
	}
}

func TestShedUnderPressure(t *testing.T) {
	var st stats.Counters
	q := newSendQueue(2, &st)

	ping := mkMsg(t, header.FuncPing, header.PriorityData)
	hit := mkMsg(t, header.FuncQueryHit, header.PriorityData)

	q.Enqueue(ping)
	q.Enqueue(hit)

	// A push outranks the droppable ping, which gets shed.
	push := mkMsg(t, header.FuncPush, header.PriorityData)
	if !q.Enqueue(push) {
		t.Fatal("push should displace the ping")
	}

	if st.FlowControlDrops.Load() == 0 {
		t.Error("shed counter not incremented")
	}

	if got := q.Dequeue(); got != hit {
		t.Errorf("ping should have been shed, head is %v", got.Header.Function)
	}
}

func TestNeverShedsProtectedMessages(t *testing.T) {
	q := newSendQueue(2, nil)

	q.Enqueue(mkMsg(t, header.FuncQueryHit, header.PriorityData))
	q.Enqueue(mkMsg(t, header.FuncPush, header.PriorityData))

	// Nothing droppable in the queue and the ping compares below
	// everything queued: the ping itself is dropped.
	if q.Enqueue(mkMsg(t, header.FuncPing, header.PriorityData)) {
		t.Error("ping should be rejected rather than displace protected messages")
	}

	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}
