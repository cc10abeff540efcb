package lwp

import (
	"sync"
	"time"

	"github.com/twmb/go-rbtree"

	"github.com/lancewire/lwp-go/pkg/lmsg"
)

// pend is one in-flight request awaiting its response frame.
type pend struct {
	corrID   uint64
	opcode   lmsg.Opcode
	sentAt   time.Time
	deadline time.Time // zero means no deadline
	promise  func(lmsg.Frame, error)

	node *rbtree.Node // deadline index node, nil when no deadline
}

// Less orders pends by deadline, breaking ties by correlation id so every
// tree item is unique.
func (p *pend) Less(other rbtree.Item) bool {
	o := other.(*pend)
	if !p.deadline.Equal(o.deadline) {
		return p.deadline.Before(o.deadline)
	}
	return p.corrID < o.corrID
}

// pendingReqs is the request multiplexer: correlation id → pending
// completion, with a deadline-ordered index so one timer can expire the
// soonest request. Responses may complete out of submission order; the
// map makes no ordering promises across correlation ids.
type pendingReqs struct {
	log *wrappedLogger

	mu         sync.Mutex
	byID       map[uint64]*pend
	byDeadline rbtree.Tree
	timer      *time.Timer
	closed     bool
}

func newPendingReqs(log *wrappedLogger) *pendingReqs {
	return &pendingReqs{
		log:  log,
		byID: make(map[uint64]*pend),
	}
}

// add registers a pending completion. The promise will be called exactly
// once: with the response frame, with a typed error, with
// ErrRequestTimeout at the deadline, or with the teardown error when the
// connection dies.
func (pr *pendingReqs) add(p *pend) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.closed {
		// Unlocked promise call is fine here: nothing else knows p yet.
		go p.promise(lmsg.Frame{}, ErrClientClosed)
		return
	}
	pr.byID[p.corrID] = p
	if !p.deadline.IsZero() {
		p.node = pr.byDeadline.FindWithOrInsertWith(
			func(n *rbtree.Node) int { return cmpPend(p, n.Item.(*pend)) },
			func() rbtree.Item { return p },
		)
		pr.resetTimerLocked()
	}
}

func cmpPend(a, b *pend) int {
	switch {
	case a.deadline.Before(b.deadline):
		return -1
	case a.deadline.After(b.deadline):
		return 1
	case a.corrID < b.corrID:
		return -1
	case a.corrID > b.corrID:
		return 1
	}
	return 0
}

// take removes and returns the pending completion for a correlation id.
func (pr *pendingReqs) take(corrID uint64) *pend {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	p := pr.byID[corrID]
	if p == nil {
		return nil
	}
	pr.removeLocked(p)
	return p
}

// abandon drops a pending completion without calling its promise; a late
// response for the id will be drained and discarded by the read loop.
func (pr *pendingReqs) abandon(corrID uint64) {
	if p := pr.take(corrID); p != nil {
		pr.log.Log(LogLevelDebug, "abandoned pending request",
			"correlation_id", p.corrID, "opcode", p.opcode)
	}
}

// complete routes a response frame to its pending completion. Unknown ids
// are logged and dropped; that is non-fatal.
func (pr *pendingReqs) complete(fr lmsg.Frame, err error) {
	p := pr.take(fr.CorrelationID)
	if p == nil {
		pr.log.Log(LogLevelDebug, "response for unknown correlation id, dropping",
			"correlation_id", fr.CorrelationID, "opcode", fr.Opcode)
		return
	}
	p.promise(fr, err)
}

// failAll completes every pending request with err. Used when the
// connection transitions to closed; err is retryable in that case.
func (pr *pendingReqs) failAll(err error) {
	pr.mu.Lock()
	pends := make([]*pend, 0, len(pr.byID))
	for _, p := range pr.byID {
		pends = append(pends, p)
	}
	for _, p := range pends {
		pr.removeLocked(p)
	}
	pr.mu.Unlock()

	for _, p := range pends {
		p.promise(lmsg.Frame{}, err)
	}
}

// close fails everything outstanding and rejects future adds.
func (pr *pendingReqs) close(err error) {
	pr.mu.Lock()
	pr.closed = true
	pr.mu.Unlock()
	pr.failAll(err)
}

// empty reports whether nothing is in flight.
func (pr *pendingReqs) empty() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.byID) == 0
}

// waitEmpty blocks until nothing is in flight or the timeout elapses.
// Used by Draining.
func (pr *pendingReqs) waitEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pr.empty() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return pr.empty()
}

func (pr *pendingReqs) removeLocked(p *pend) {
	delete(pr.byID, p.corrID)
	if p.node != nil {
		pr.byDeadline.Delete(p.node)
		p.node = nil
		pr.resetTimerLocked()
	}
}

// resetTimerLocked re-arms the expiry timer for the soonest deadline.
func (pr *pendingReqs) resetTimerLocked() {
	min := pr.byDeadline.Min()
	if min == nil {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		return
	}
	d := time.Until(min.Item.(*pend).deadline)
	if d < 0 {
		d = 0
	}
	if pr.timer == nil {
		pr.timer = time.AfterFunc(d, pr.expire)
		return
	}
	pr.timer.Stop()
	pr.timer.Reset(d)
}

// expire times out every pending request whose deadline has passed.
func (pr *pendingReqs) expire() {
	now := time.Now()

	pr.mu.Lock()
	var due []*pend
	for {
		min := pr.byDeadline.Min()
		if min == nil {
			break
		}
		p := min.Item.(*pend)
		if p.deadline.After(now) {
			break
		}
		pr.removeLocked(p)
		due = append(due, p)
	}
	pr.mu.Unlock()

	for _, p := range due {
		pr.log.Log(LogLevelWarn, "request timed out",
			"correlation_id", p.corrID, "opcode", p.opcode,
			"waited", now.Sub(p.sentAt))
		p.promise(lmsg.Frame{}, ErrRequestTimeout)
	}
}
