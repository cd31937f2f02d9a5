package socket

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, typ EventType, docID, actor string, payload any) Event {
	t.Helper()
	ev, err := NewEvent(typ, docID, actor, payload)
	require.NoError(t, err)
	return ev
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for subscriber %s", sub.ActorID)
		return Event{}
	}
}

func TestBrokerDeliversInPublishOrder(t *testing.T) {
	b := NewBroker(16)
	sub := b.Subscribe("doc-1", "bob")
	other := b.Subscribe("doc-2", "bob")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, mustEvent(t, CursorMoveType, "doc-1", "alice", map[string]int{"n": i})))
	}
	for i := 0; i < 5; i++ {
		ev := receive(t, sub)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(ev.Payload))
	}
	assert.Empty(t, other.C, "events stay within their document")
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker(1)
	slow := b.Subscribe("doc-1", "slow")
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, mustEvent(t, FieldFocusType, "doc-1", "alice", nil)))
	require.NoError(t, b.Publish(ctx, mustEvent(t, FieldBlurType, "doc-1", "alice", nil)))

	assert.Equal(t, FieldFocusType, receive(t, slow).Type)
	select {
	case ev := <-slow.C:
		t.Fatalf("unexpected %s, second event should have been dropped", ev.Type)
	default:
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(4)
	sub := b.Subscribe("doc-1", "bob")
	assert.Equal(t, 1, b.Subscribers("doc-1"))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("doc-1"))

	assert.NoError(t, b.Publish(context.Background(), mustEvent(t, HeartbeatType, "doc-1", "", nil)))
}
