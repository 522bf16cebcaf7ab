package local_test

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/plugin/broadcast/local"
	"github.com/chirino/chat-service/internal/realtime"
	"github.com/stretchr/testify/require"
)

func TestLocalBroadcaster_DeliversEncodedEvent(t *testing.T) {
	hub := realtime.NewHub(4)
	s := hub.Register("alice")
	b := local.New(hub)

	ev, err := realtime.NewEvent(realtime.EventConversationUpdated, map[string]string{"id": "c1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), realtime.UserRoom("alice"), ev))

	frame := <-s.Send()
	require.JSONEq(t, `{"type":"conversation:updated","data":{"id":"c1"}}`, string(frame))
	require.NoError(t, b.Close())
}
