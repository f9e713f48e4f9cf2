package cmpp

import (
	"context"
	"sync"
	"time"
)

// Response is a decoded response message delivered to a waiter
type Response struct {
	Header Header
	Body   Body
}

// PendingRequest is an outbound request awaiting its response. It completes
// exactly once: on response, on rejection, on timeout, or on close.
type PendingRequest struct {
	SequenceID  uint32
	CommandID   uint32
	SubmittedAt time.Time

	timer *time.Timer
	once  sync.Once
	done  chan struct{}
	resp  *Response
	err   error
}

// NewPendingRequest creates an entry for a request about to be written
func NewPendingRequest(commandID, sequenceID uint32) *PendingRequest {
	return &PendingRequest{
		SequenceID:  sequenceID,
		CommandID:   commandID,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Done is closed once the request has completed
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Valid only after Done is closed.
func (p *PendingRequest) Result() (*Response, error) {
	return p.resp, p.err
}

// Wait blocks until the request completes or ctx is done
func (p *PendingRequest) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PendingRequest) finish(resp *Response, err error) bool {
	finished := false
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
		finished = true
	})
	return finished
}

// PendingTable correlates outbound requests with inbound responses by
// sequence id. Requests sharing a sequence id are answered in FIFO order.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint32][]*PendingRequest
}

// NewPendingTable creates an empty correlation table
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint32][]*PendingRequest)}
}

// Register stores req and arms its timeout. When the timer fires while req is
// still registered, req is removed, failed with ErrTimeout and onTimeout runs.
func (t *PendingTable) Register(req *PendingRequest, timeout time.Duration, onTimeout func(*PendingRequest)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[req.SequenceID] = append(t.entries[req.SequenceID], req)
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			if !t.Remove(req) {
				return
			}
			req.finish(nil, ErrTimeout)
			if onTimeout != nil {
				onTimeout(req)
			}
		})
	}
}

// Resolve pops the oldest request registered under seq and stops its timer.
// It returns nil when nothing is pending for seq.
func (t *PendingTable) Resolve(seq uint32) *PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := t.entries[seq]
	if len(queue) == 0 {
		return nil
	}
	req := queue[0]
	if len(queue) == 1 {
		delete(t.entries, seq)
	} else {
		t.entries[seq] = queue[1:]
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	return req
}

// Remove deletes exactly req, reporting whether it was still registered
func (t *PendingTable) Remove(req *PendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := t.entries[req.SequenceID]
	for i, r := range queue {
		if r != req {
			continue
		}
		if len(queue) == 1 {
			delete(t.entries, req.SequenceID)
		} else {
			t.entries[req.SequenceID] = append(queue[:i:i], queue[i+1:]...)
		}
		if req.timer != nil {
			req.timer.Stop()
		}
		return true
	}
	return false
}

// FailAll completes every pending request with err and empties the table
func (t *PendingTable) FailAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint32][]*PendingRequest)
	t.mu.Unlock()

	for _, queue := range entries {
		for _, req := range queue {
			if req.timer != nil {
				req.timer.Stop()
			}
			req.finish(nil, err)
		}
	}
}

// Len returns the number of requests awaiting a response
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, queue := range t.entries {
		n += len(queue)
	}
	return n
}
