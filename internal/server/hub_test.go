package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/domain"
)

// hubClient wires a client straight into the hub, bypassing the websocket
// pumps so routing can be driven synchronously.
func hubClient(h *Hub, id domain.ParticipantID) *Client {
	c := newClient(id, string(id), nil)
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	return c
}

func routeFrom(t *testing.T, h *Hub, c *Client, env domain.Envelope) {
	t.Helper()
	env.SenderID = c.id
	data, err := domain.EncodeEnvelope(env)
	require.NoError(t, err)
	h.route(inboundFrame{from: c, data: data})
}

func received(t *testing.T, c *Client) []domain.Envelope {
	t.Helper()
	var out []domain.Envelope
	for {
		select {
		case data := <-c.send:
			env, err := domain.DecodeEnvelope(data)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func mustJoin(t *testing.T, to domain.ParticipantID, accept bool) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.MsgJoin, "call-1", "", domain.JoinPayload{Accept: accept})
	require.NoError(t, err)
	env.To = to
	return env
}

func TestJoinRateLimiter(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"), "third attempt inside the window is blocked")

	// Other participants have their own budget.
	assert.True(t, rl.Allow("bob"))
}

func TestJoinRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewJoinRateLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("alice"))
	}
}

func TestHubSessionBookkeeping(t *testing.T) {
	h := NewHub(5, time.Minute)

	h.joinSession("call-1", "alice")
	h.joinSession("call-1", "bob")
	h.joinSession("call-2", "carol")

	infos := h.Sessions()
	require.Len(t, infos, 2)
	byID := map[domain.CallID][]domain.ParticipantID{}
	for _, s := range infos {
		byID[s.ID] = s.Participants
	}
	assert.ElementsMatch(t, []domain.ParticipantID{"alice", "bob"}, byID["call-1"])
	assert.ElementsMatch(t, []domain.ParticipantID{"carol"}, byID["call-2"])

	// The last leave removes the session entirely.
	h.leaveSession("call-2", "carol")
	assert.Len(t, h.Sessions(), 1)
}

func TestHubColdJoinStaysOutsideSessionScope(t *testing.T) {
	h := NewHub(0, time.Minute)
	host := hubClient(h, "zed")
	guest := hubClient(h, "abe")
	mallory := hubClient(h, "mallory")

	// The host's invite creates the session; the invitee's accepted join
	// enters it.
	routeFrom(t, h, host, mustJoin(t, "abe", false))
	routeFrom(t, h, guest, mustJoin(t, "", true))
	assert.True(t, h.isMember("call-1", "zed"))
	assert.True(t, h.isMember("call-1", "abe"))

	// A cold join request is relayed to the members but does not enter the
	// session scope.
	routeFrom(t, h, mallory, mustJoin(t, "", false))
	assert.False(t, h.isMember("call-1", "mallory"))
	require.NotEmpty(t, received(t, host))

	// Session broadcasts never reach the pending requester.
	env, err := domain.NewEnvelope(domain.MsgMediaState, "call-1", "", domain.MediaStatePayload{Muted: true})
	require.NoError(t, err)
	routeFrom(t, h, guest, env)
	assert.Empty(t, received(t, mallory))
}

func TestHubAdmitDecisionGrantsMembership(t *testing.T) {
	h := NewHub(0, time.Minute)
	host := hubClient(h, "zed")
	guest := hubClient(h, "abe")
	mallory := hubClient(h, "mallory")

	routeFrom(t, h, host, mustJoin(t, "abe", false))
	routeFrom(t, h, guest, mustJoin(t, "", true))
	routeFrom(t, h, mallory, mustJoin(t, "", false))
	received(t, host)
	received(t, guest)

	decision, err := domain.NewEnvelope(domain.MsgAdmitDecision, "call-1", "", domain.AdmitDecisionPayload{
		Target:   "mallory",
		Admitted: true,
	})
	require.NoError(t, err)
	routeFrom(t, h, host, decision)

	// The decision reaches the members and the requester; the requester is
	// now inside the session scope.
	assert.True(t, h.isMember("call-1", "mallory"))
	require.Len(t, received(t, mallory), 1)
	require.Len(t, received(t, guest), 1)

	env, err := domain.NewEnvelope(domain.MsgMediaState, "call-1", "", domain.MediaStatePayload{Muted: true})
	require.NoError(t, err)
	routeFrom(t, h, guest, env)
	assert.Len(t, received(t, mallory), 1)
}

func TestHubAdmitDecisionFromNonMemberDropped(t *testing.T) {
	h := NewHub(0, time.Minute)
	host := hubClient(h, "zed")
	outsider := hubClient(h, "eve")
	mallory := hubClient(h, "mallory")

	routeFrom(t, h, host, mustJoin(t, "abe", false))
	routeFrom(t, h, mallory, mustJoin(t, "", false))
	received(t, host)

	decision, err := domain.NewEnvelope(domain.MsgAdmitDecision, "call-1", "", domain.AdmitDecisionPayload{
		Target:   "mallory",
		Admitted: true,
	})
	require.NoError(t, err)
	routeFrom(t, h, outsider, decision)

	assert.False(t, h.isMember("call-1", "mallory"))
	assert.Empty(t, received(t, mallory))
}
