package council

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/orchestra/backend"
)

func dialHub(t *testing.T, hub *StreamHub) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, srv
}

func TestStreamHubBroadcastDeliversToConnectedClient(t *testing.T) {
	hub := NewStreamHub(nil)
	conn, srv := dialHub(t, hub)
	defer srv.Close()
	defer conn.Close()

	// give the server goroutine time to register the client
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(RoundEvent{RequestID: "r1", Topic: "security", Round: 1, Final: false})

	var got RoundEvent
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "r1", got.RequestID)
	require.Equal(t, 1, got.Round)
	require.False(t, got.Final)
}

type recordingBroadcaster struct {
	events []RoundEvent
}

func (r *recordingBroadcaster) Broadcast(event RoundEvent) { r.events = append(r.events, event) }

func TestRunDebateModePublishesOneRoundEventPerRound(t *testing.T) {
	reg := backend.NewRegistry()
	mockA := backend.NewMockAdapter()
	mockA.Responses = []*backend.Response{{Content: "a1"}, {Content: "a2"}, {Content: "a3"}}
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "a", Kind: backend.KindLocal, Adapter: mockA}))
	mockB := backend.NewMockAdapter()
	mockB.Responses = []*backend.Response{{Content: "b1"}, {Content: "b2"}, {Content: "b3"}}
	require.NoError(t, reg.Register(&backend.Descriptor{Key: "b", Kind: backend.KindLocal, Adapter: mockB}))

	rec := &recordingBroadcaster{}
	c := New(reg, allowAll{}, TopicTable{"t": {"a", "b"}}, nil).WithStream(rec)

	result, err := c.Run(context.Background(), Request{Topic: "t", Confidence: ConfidenceLow, Prompt: "orig", Mode: ModeDebate, Rounds: 3})
	require.NoError(t, err)
	require.Len(t, result.Responses, 2)
	require.Len(t, rec.events, 3)
	for i, event := range rec.events {
		require.Equal(t, i+1, event.Round)
		require.Equal(t, i == 2, event.Final)
	}
}
