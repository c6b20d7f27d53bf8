package app

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/domain"
)

func collabEnv(t *testing.T, sender domain.ParticipantID, p domain.CollabEventPayload) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.MsgCollabEvent, "call-1", sender, p)
	require.NoError(t, err)
	return env
}

func TestCollabPollRoundTrip(t *testing.T) {
	rec := &sendRecorder{}
	c := NewCollab("call-1", "self", rec.send)

	id, err := c.OpenPoll([]byte(`{"q":"lunch?"}`))
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Len(t, snap.Polls, 1)
	assert.True(t, snap.Polls[0].Open)
	assert.Equal(t, id, snap.Polls[0].ID)

	// The broadcast carries the same event remote clients will apply.
	rec.mu.Lock()
	require.Len(t, rec.sent, 1)
	rec.mu.Unlock()

	require.NoError(t, c.ClosePoll(id))
	snap = c.Snapshot()
	require.Len(t, snap.Polls, 1)
	assert.False(t, snap.Polls[0].Open)
}

func TestCollabAppliesRemoteEvents(t *testing.T) {
	rec := &sendRecorder{}
	c := NewCollab("call-1", "self", rec.send)

	changed := c.Apply(collabEnv(t, "alice", domain.CollabEventPayload{
		Kind: domain.CollabWhiteboard,
		Open: true,
	}))
	assert.True(t, changed)
	assert.True(t, c.Snapshot().WhiteboardOpen)

	// Same value again is a no-op.
	changed = c.Apply(collabEnv(t, "alice", domain.CollabEventPayload{
		Kind: domain.CollabWhiteboard,
		Open: true,
	}))
	assert.False(t, changed)

	changed = c.Apply(collabEnv(t, "bob", domain.CollabEventPayload{
		Kind: domain.CollabQA,
		Data: jsoniter.RawMessage(`{"question":"when?"}`),
	}))
	assert.True(t, changed)
	assert.Len(t, c.Snapshot().Questions, 1)
}

func TestCollabIgnoresUnknownKind(t *testing.T) {
	rec := &sendRecorder{}
	c := NewCollab("call-1", "self", rec.send)

	changed := c.Apply(collabEnv(t, "alice", domain.CollabEventPayload{Kind: "telepathy", Open: true}))
	assert.False(t, changed)
}
