package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithBuffer(4)
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		require.True(t, mb.PublishInbound(InboundMessage{Channel: "discord", SenderID: "u", ChatID: "c", Content: "msg"}))
	}

	assert.False(t, mb.PublishInbound(InboundMessage{Channel: "discord", SenderID: "u", ChatID: "c", Content: "overflow"}))
	assert.Equal(t, uint64(1), mb.DroppedInbound())
	assert.Equal(t, 4, mb.Stats().InboundQueued)
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBusWithBuffer(2)
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "discord", ChatID: "c", Content: "overflow"})
	assert.Equal(t, uint64(1), mb.DroppedOutbound())
}

func TestMessageBus_RoundTripPreservesReplyFields(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	in := InboundMessage{Channel: "discord", ChatID: "c1", MessageID: "m2", ParentID: "m1", Content: "hi"}
	mb.PublishInbound(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, in, got)
}

func TestMessageBus_ConsumeHonorsContext(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := mb.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if mb.PublishInbound(InboundMessage{Content: "late"}) {
		t.Fatalf("expected publish after close to fail")
	}
}
