package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JamalEddineEb/discord/pkg/logger"
)

// MessageBus decouples channel adapters from the agent loop. Publishing never
// blocks longer than publishTimeout; messages that cannot be queued in time
// are dropped and counted.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	handlers map[string]MessageHandler
	closed   bool
	dropped  droppedCounters
	mu       sync.RWMutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

// Stats is a point-in-time view of queue depth and drops.
type Stats struct {
	InboundQueued   int    `json:"inbound_queued"`
	OutboundQueued  int    `json:"outbound_queued"`
	DroppedInbound  uint64 `json:"dropped_inbound"`
	DroppedOutbound uint64 `json:"dropped_outbound"`
}

const (
	publishTimeout    = 100 * time.Millisecond
	defaultBufferSize = 100
)

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		handlers: make(map[string]MessageHandler),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if enqueue(mb.inbound, msg) {
		return true
	}
	n := mb.dropped.inbound.Add(1)
	logger.WarnCF("bus", "Inbound message dropped", map[string]any{
		"channel":    msg.Channel,
		"message_id": msg.MessageID,
		"dropped":    n,
	})
	return false
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return dequeue(ctx, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if enqueue(mb.outbound, msg) {
		return true
	}
	n := mb.dropped.outbound.Add(1)
	logger.WarnCF("bus", "Outbound message dropped", map[string]any{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"dropped": n,
	})
	return false
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return dequeue(ctx, mb.outbound)
}

func enqueue[T any](ch chan T, msg T) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

func dequeue[T any](ctx context.Context, ch chan T) (T, bool) {
	var zero T
	select {
	case msg, ok := <-ch:
		if !ok {
			return zero, false
		}
		return msg, true
	case <-ctx.Done():
		return zero, false
	}
}

func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) Stats() Stats {
	return Stats{
		InboundQueued:   len(mb.inbound),
		OutboundQueued:  len(mb.outbound),
		DroppedInbound:  mb.dropped.inbound.Load(),
		DroppedOutbound: mb.dropped.outbound.Load(),
	}
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}
