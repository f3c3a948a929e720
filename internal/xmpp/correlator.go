package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueryTimeout bounds how long a Query waits for its reply.
const DefaultQueryTimeout = 10 * time.Second

type iqReply struct {
	payload []byte
	err     error
}

// Correlator matches outbound IQ queries to their asynchronous replies by
// stanza id. Concurrent queries are independent; no ordering is guaranteed
// between them, and no retries are issued.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan iqReply
	closed  bool
	send    func(v any) error
}

func newCorrelator(send func(v any) error) *Correlator {
	return &Correlator{
		pending: make(map[string]chan iqReply),
		send:    send,
	}
}

// Query sends an IQ with a fresh correlation id and waits for the matching
// reply. An error reply surfaces as KindProtocolError with the server's
// condition; teardown before the reply arrives surfaces as
// KindDisconnected. A zero timeout uses DefaultQueryTimeout.
func (r *Correlator) Query(ctx context.Context, to, iqType string, payload any, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	var inner []byte
	if payload != nil {
		var err error
		inner, err = xml.Marshal(payload)
		if err != nil {
			return nil, NewError(KindSendFailed, fmt.Errorf("marshal query payload: %w", err))
		}
	}

	id := uuid.NewString()
	ch := make(chan iqReply, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, NewError(KindDisconnected, nil)
	}
	r.pending[id] = ch
	r.mu.Unlock()

	iq := iqStanza{ID: id, To: to, Type: iqType, Inner: inner}
	if err := r.send(iq); err != nil {
		r.drop(id)
		return nil, NewError(KindSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply.payload, reply.err
	case <-timer.C:
		r.drop(id)
		return nil, ProtocolError("remote-server-timeout")
	case <-ctx.Done():
		r.drop(id)
		return nil, NewError(KindDisconnected, ctx.Err())
	}
}

// resolve delivers an inbound IQ to its waiting query. It reports whether
// the stanza matched a pending id.
func (r *Correlator) resolve(iq inboundIQ) bool {
	if iq.Type != "result" && iq.Type != "error" {
		return false
	}

	r.mu.Lock()
	ch, ok := r.pending[iq.ID]
	if ok {
		delete(r.pending, iq.ID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if iq.Type == "error" {
		ch <- iqReply{err: ProtocolError(errorCondition(iq.Inner))}
	} else {
		ch <- iqReply{payload: iq.Inner}
	}
	return true
}

// failAll rejects every pending query and refuses new ones until reset.
// Called on stream teardown.
func (r *Correlator) failAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan iqReply)
	r.closed = true
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- iqReply{err: NewError(KindDisconnected, nil)}
	}
}

// reset reopens the correlator for a fresh connection.
func (r *Correlator) reset() {
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()
}

func (r *Correlator) drop(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
