package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JamalEddineEb/discord/pkg/bus"
	"github.com/JamalEddineEb/discord/pkg/chain"
	"github.com/JamalEddineEb/discord/pkg/config"
	"github.com/JamalEddineEb/discord/pkg/logger"
)

// DiscordName is the bus channel name of the Discord adapter.
const DiscordName = "discord"

// Manager starts the chat adapters and routes outbound replies to them.
type Manager struct {
	channels       map[string]Channel
	bus            *bus.MessageBus
	config         *config.Config
	stopDispatcher context.CancelFunc
	mu             sync.RWMutex
}

// NewManager builds the Discord adapter from cfg. A token is required.
func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := newManager(cfg, messageBus)
	if err := m.initDiscord(); err != nil {
		return nil, err
	}
	return m, nil
}

func newManager(cfg *config.Config, messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		config:   cfg,
	}
}

func (m *Manager) initDiscord() error {
	if strings.TrimSpace(m.config.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required")
	}
	discord, err := NewDiscordChannel(m.config.Channels.Discord, m.bus)
	if err != nil {
		return fmt.Errorf("initialize Discord channel: %w", err)
	}
	m.RegisterChannel(DiscordName, discord)
	logger.InfoC("channels", "Discord channel initialized")
	return nil
}

// StartAll starts every registered channel and the outbound dispatcher. If
// any channel fails, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	var (
		started []Channel
		errs    []error
	)
	for _, name := range sortedNames(snapshot) {
		channel := snapshot[name]
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		started = append(started, channel)
	}
	if len(errs) > 0 {
		for _, channel := range started {
			_ = channel.Stop(ctx)
		}
		return fmt.Errorf("start channels: %w", errors.Join(errs...))
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stopDispatcher != nil {
		m.stopDispatcher()
	}
	m.stopDispatcher = cancel
	m.mu.Unlock()
	go m.dispatchOutbound(dispatchCtx)

	logger.InfoCF("channels", "All channels started", map[string]any{"count": len(started)})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.stopDispatcher != nil {
		m.stopDispatcher()
		m.stopDispatcher = nil
	}
	m.mu.Unlock()

	var errs []error
	for name, channel := range m.snapshot() {
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, err)
		}
	}
	logger.InfoC("channels", "All channels stopped")
	return errors.Join(errs...)
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.DebugC("channels", "Outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.DebugC("channels", "Outbound dispatcher stopped")
			return
		}

		channel, exists := m.GetChannel(msg.Channel)
		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]any{
				"channel": msg.Channel,
			})
			continue
		}
		if err := channel.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Error sending message to channel", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) snapshot() map[string]Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		out[name] = channel
	}
	return out
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// Ready reports whether at least one channel is registered and all of them
// are running.
func (m *Manager) Ready() bool {
	snapshot := m.snapshot()
	if len(snapshot) == 0 {
		return false
	}
	for _, channel := range snapshot {
		if !channel.IsRunning() {
			return false
		}
	}
	return true
}

// Fetcher returns the named channel as a reply-chain fetcher, if it is one.
func (m *Manager) Fetcher(name string) (chain.MessageFetcher, bool) {
	channel, ok := m.GetChannel(name)
	if !ok {
		return nil, false
	}
	f, ok := channel.(chain.MessageFetcher)
	return f, ok
}

// GetStatus reports the running state of each channel for /health.
func (m *Manager) GetStatus() map[string]any {
	status := make(map[string]any)
	for name, channel := range m.snapshot() {
		status[name] = map[string]any{"running": channel.IsRunning()}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	return sortedNames(m.snapshot())
}

func sortedNames(channels map[string]Channel) []string {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
