package app

import (
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/domain"
)

// PollState is the shared state of one poll sub-session.
type PollState struct {
	ID       domain.CollabID     `json:"id"`
	Open     bool                `json:"open"`
	Question jsoniter.RawMessage `json:"question,omitempty"`
}

// CollabSnapshot is a consistent read of all side-band state.
type CollabSnapshot struct {
	WhiteboardOpen bool
	Polls          []PollState
	Questions      []jsoniter.RawMessage
}

// Collab carries lightweight side-band state (polls, Q&A, whiteboard
// open/closed) over the signaling channel. It shares the channel's
// per-sender ordering, so reconciliation here is plain last-write per key.
type Collab struct {
	session domain.CallID
	self    domain.ParticipantID
	send    sendFunc

	mu         sync.RWMutex
	whiteboard bool
	polls      map[domain.CollabID]*PollState
	questions  []jsoniter.RawMessage
}

func NewCollab(session domain.CallID, self domain.ParticipantID, send sendFunc) *Collab {
	return &Collab{
		session: session,
		self:    self,
		send:    send,
		polls:   make(map[domain.CollabID]*PollState),
	}
}

// Apply ingests one remote collab event. Returns true when state changed.
func (c *Collab) Apply(env domain.Envelope) bool {
	var p domain.CollabEventPayload
	if err := domain.DecodePayload(env, &p); err != nil {
		log.Error().Err(err).Str("module", "app.collab").Msg("bad collab payload")
		return false
	}
	return c.applyPayload(p)
}

func (c *Collab) applyPayload(p domain.CollabEventPayload) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch p.Kind {
	case domain.CollabWhiteboard:
		if c.whiteboard == p.Open {
			return false
		}
		c.whiteboard = p.Open
		return true
	case domain.CollabPoll:
		poll, ok := c.polls[p.CollabID]
		if !ok {
			poll = &PollState{ID: p.CollabID}
			c.polls[p.CollabID] = poll
		}
		poll.Open = p.Open
		if len(p.Data) > 0 {
			poll.Question = p.Data
		}
		return true
	case domain.CollabQA:
		if len(p.Data) == 0 {
			return false
		}
		c.questions = append(c.questions, p.Data)
		return true
	}
	log.Warn().Str("module", "app.collab").Str("kind", string(p.Kind)).Msg("unknown collab kind ignored")
	return false
}

// OpenPoll starts a poll and broadcasts it. Returns the new poll id.
func (c *Collab) OpenPoll(question []byte) (domain.CollabID, error) {
	id := domain.CollabID(uuid.NewString())
	p := domain.CollabEventPayload{Kind: domain.CollabPoll, CollabID: id, Open: true, Data: question}
	return id, c.publish(p)
}

// ClosePoll closes a poll and broadcasts the change.
func (c *Collab) ClosePoll(id domain.CollabID) error {
	return c.publish(domain.CollabEventPayload{Kind: domain.CollabPoll, CollabID: id, Open: false})
}

// SetWhiteboard broadcasts the whiteboard open/closed flag.
func (c *Collab) SetWhiteboard(open bool) error {
	return c.publish(domain.CollabEventPayload{Kind: domain.CollabWhiteboard, Open: open})
}

// AskQuestion appends a Q&A entry and broadcasts it.
func (c *Collab) AskQuestion(question []byte) error {
	return c.publish(domain.CollabEventPayload{Kind: domain.CollabQA, Data: question})
}

func (c *Collab) publish(p domain.CollabEventPayload) error {
	c.applyPayload(p)
	env, err := domain.NewEnvelope(domain.MsgCollabEvent, c.session, c.self, p)
	if err != nil {
		return err
	}
	_, err = c.send(env)
	return err
}

// Snapshot returns a consistent copy of the side-band state.
func (c *Collab) Snapshot() CollabSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := CollabSnapshot{WhiteboardOpen: c.whiteboard}
	for _, p := range c.polls {
		snap.Polls = append(snap.Polls, *p)
	}
	snap.Questions = append(snap.Questions, c.questions...)
	return snap
}
