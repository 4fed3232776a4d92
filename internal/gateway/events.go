package gateway

import (
	"encoding/json"

	"roost/internal/protocol"
)

// Event names pushed by the daemon.
const (
	EventConnectChallenge = "connect.challenge"
	EventRunState         = "chat.run"
	EventToken            = "chat.token"
	EventSnapshot         = "state.snapshot"
)

// RunStateEvent is a run lifecycle transition for an in-flight chat run.
type RunStateEvent struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Phase      string `json:"phase"` // started, completed, failed, aborted
	Error      string `json:"error,omitempty"`
}

// TokenEvent carries one streamed model output chunk.
type TokenEvent struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
	Text       string `json:"text"`
}

// SnapshotEvent is a full server state snapshot push.
type SnapshotEvent struct {
	Snapshot     protocol.AnyValue `json:"snapshot"`
	StateVersion map[string]int64  `json:"stateVersion,omitempty"`
}

// SeqGap reports a discontinuity in the server's event counter. Advisory:
// the dispatcher does not buffer or reorder, consumers decide whether to
// resynchronize.
type SeqGap struct {
	Expected int64
	Received int64
}

// Handlers is the registered event fan-out. Nil fields are skipped.
// Generic receives every event no other handler classified.
type Handlers struct {
	RunState    func(RunStateEvent)
	Token       func(TokenEvent)
	Snapshot    func(SnapshotEvent)
	SeqGap      func(SeqGap)
	Generic     func(protocol.Event)
	StateChange func(State, error)
}

// dispatchEvent classifies one push frame. The match checks are independent
// of each other; the naming convention keeps them disjoint on a healthy
// wire, nothing here assumes the server enforces that.
func (c *Client) dispatchEvent(ev protocol.Event) {
	// A challenge outside the handshake window carries no meaning.
	if ev.Name == EventConnectChallenge {
		return
	}

	c.checkSeq(ev)

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	if run, matched := matchRunState(ev); matched {
		if run == nil {
			c.logger.Warn("dropping malformed event payload", "event", ev.Name)
		} else if h.RunState != nil {
			h.RunState(*run)
		}
		return
	}
	if tok, matched := matchToken(ev); matched {
		if tok == nil {
			c.logger.Warn("dropping malformed event payload", "event", ev.Name)
		} else if h.Token != nil {
			h.Token(*tok)
		}
		return
	}
	if snap, matched := matchSnapshot(ev); matched {
		if snap == nil {
			c.logger.Warn("dropping malformed event payload", "event", ev.Name)
		} else if h.Snapshot != nil {
			h.Snapshot(*snap)
		}
		return
	}
	if h.Generic != nil {
		h.Generic(ev)
	}
}

// checkSeq surfaces gaps in the monotonic event counter as a distinct
// notification instead of silently accepting them.
func (c *Client) checkSeq(ev protocol.Event) {
	if ev.Seq == nil {
		return
	}
	c.mu.Lock()
	last := c.lastSeq
	c.lastSeq = *ev.Seq
	gapHandler := c.handlers.SeqGap
	c.mu.Unlock()

	if last > 0 && *ev.Seq > last+1 {
		c.logger.Warn("event sequence gap", "expected", last+1, "received", *ev.Seq)
		if gapHandler != nil {
			gapHandler(SeqGap{Expected: last + 1, Received: *ev.Seq})
		}
	}
}

// The match functions return (nil, true) when the frame matched the variant
// by name but its payload failed to decode: the frame is consumed and
// dropped, never forwarded half-parsed and never fatal to the session.

func matchRunState(ev protocol.Event) (*RunStateEvent, bool) {
	if ev.Name != EventRunState {
		return nil, false
	}
	var out RunStateEvent
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return nil, true
	}
	return &out, true
}

func matchToken(ev protocol.Event) (*TokenEvent, bool) {
	if ev.Name != EventToken {
		return nil, false
	}
	var out TokenEvent
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return nil, true
	}
	return &out, true
}

func matchSnapshot(ev protocol.Event) (*SnapshotEvent, bool) {
	if ev.Name != EventSnapshot {
		return nil, false
	}
	var out SnapshotEvent
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return nil, true
	}
	if out.StateVersion == nil && len(ev.StateVersion) > 0 {
		_ = json.Unmarshal(ev.StateVersion, &out.StateVersion)
	}
	return &out, true
}
