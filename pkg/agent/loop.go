package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JamalEddineEb/discord/pkg/bus"
	"github.com/JamalEddineEb/discord/pkg/chain"
	"github.com/JamalEddineEb/discord/pkg/config"
	"github.com/JamalEddineEb/discord/pkg/logger"
	"github.com/JamalEddineEb/discord/pkg/memory"
	"github.com/JamalEddineEb/discord/pkg/providers"
	"github.com/JamalEddineEb/discord/pkg/utils"
)

// Replies shown to users when a turn fails. Internal error text never
// reaches the chat.
const (
	APIErrorReply     = "An error occurred while communicating with the API."
	GenericErrorReply = "An unexpected error occurred."
)

// Memory identity and name of the bot's own replies when the channel does not
// report them.
const (
	DefaultBotIdentity = "assistant"
	DefaultBotName     = "Assistant"
)

type AgentLoop struct {
	bus            *bus.MessageBus
	provider       providers.LLMProvider
	memory         *memory.Service
	chain          *chain.Cache
	fetcher        chain.MessageFetcher
	contextBuilder *ContextBuilder

	model       string
	maxTokens   int
	temperature float64
	maxMessages int
	timeout     time.Duration

	turns    *semaphore.Weighted
	inflight sync.WaitGroup
	running  atomic.Bool
	now      func() time.Time
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider, mem *memory.Service) *AgentLoop {
	defaults := cfg.Agents.Defaults
	workspace := cfg.WorkspacePath()
	if workspace != "" {
		_ = os.MkdirAll(workspace, 0o755)
	}

	maxTurns := defaults.MaxConcurrentTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}
	timeout := time.Duration(defaults.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxMessages := defaults.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 25
	}

	return &AgentLoop{
		bus:            msgBus,
		provider:       provider,
		memory:         mem,
		chain:          chain.NewCache(cfg.Memory.CacheCapacity),
		contextBuilder: NewContextBuilder(workspace, defaults.SystemPrompt),
		model:          cfg.ModelName(),
		maxTokens:      defaults.MaxTokens,
		temperature:    defaults.Temperature,
		maxMessages:    maxMessages,
		timeout:        timeout,
		turns:          semaphore.NewWeighted(int64(maxTurns)),
		now:            time.Now,
	}
}

// SetMessageFetcher sets where uncached reply-chain parents are loaded from.
func (al *AgentLoop) SetMessageFetcher(f chain.MessageFetcher) {
	al.fetcher = f
}

// ChainCache exposes the reply-chain cache owned by this loop.
func (al *AgentLoop) ChainCache() *chain.Cache { return al.chain }

// Run consumes inbound messages until ctx is done, handling each in its own
// goroutine with at most max_concurrent_turns running at once. It waits for
// in-flight turns before returning.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.inflight.Wait()

	for al.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := al.bus.ConsumeInbound(ctx)
			if !ok {
				return nil
			}
			if err := al.turns.Acquire(ctx, 1); err != nil {
				return nil
			}
			al.inflight.Add(1)
			go func(msg bus.InboundMessage) {
				defer al.inflight.Done()
				defer al.turns.Release(1)
				al.handle(ctx, msg)
			}(msg)
		}
	}

	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) handle(ctx context.Context, msg bus.InboundMessage) {
	if msg.IsBot {
		return
	}
	reply, err := al.processMessage(ctx, msg)
	if err != nil {
		reply = userFacingError(err)
	}

	al.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
		ReplyTo: msg.MessageID,
	})

	if n := al.chain.EvictIfOverCapacity(); n > 0 {
		logger.DebugCF("agent", "Evicted chain nodes", map[string]any{
			"evicted": n,
			"live":    al.chain.Len(),
		})
	}
}

type turn struct {
	identity    string
	displayName string
	text        string
	botIdentity string
	botName     string
	// shortTerm, when non-nil, replaces the recent-memory history.
	shortTerm []providers.Message
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	logger.InfoCF("agent", "Processing message", map[string]any{
		"channel":    msg.Channel,
		"chat_id":    msg.ChatID,
		"sender_id":  msg.SenderID,
		"message_id": msg.MessageID,
		"has_parent": msg.ParentID != "",
		"preview":    utils.Truncate(msg.Content, 80),
	})

	botIdentity := strings.TrimSpace(msg.Metadata["bot_user_id"])
	if botIdentity == "" {
		botIdentity = DefaultBotIdentity
	}
	botName := strings.TrimSpace(msg.Metadata["bot_name"])
	if botName == "" {
		botName = DefaultBotName
	}

	t := turn{
		identity:    msg.SenderID,
		displayName: msg.SenderName,
		text:        msg.Content,
		botIdentity: botIdentity,
		botName:     botName,
	}
	if msg.ParentID != "" && msg.MessageID != "" {
		t.shortTerm = al.replyChain(ctx, msg)
	}
	return al.runTurn(ctx, t)
}

// replyChain walks from the new message back through its parents. The new
// message itself is cached as the first node and then dropped from the
// history, since it is sent separately. It returns nil when no parent could
// be resolved, so the turn falls back to recent memory.
func (al *AgentLoop) replyChain(ctx context.Context, msg bus.InboundMessage) []providers.Message {
	al.chain.GetOrCreate(msg.MessageID).Populate(chain.Fields{
		Text:       msg.Content,
		Role:       chain.RoleUser,
		AuthorID:   msg.SenderID,
		AuthorName: msg.SenderName,
		ParentID:   msg.ParentID,
	})

	res := chain.Walk(ctx, al.chain, al.fetcher, msg.ChatID, msg.MessageID, al.maxMessages)
	entries := res.Entries
	if n := len(entries); n > 0 && entries[n-1].MessageID == msg.MessageID {
		entries = entries[:n-1]
	}

	logger.DebugCF("agent", "Reply chain resolved", map[string]any{
		"message_id": msg.MessageID,
		"depth":      len(entries),
		"stop":       string(res.Stop),
	})
	if len(entries) == 0 {
		return nil
	}
	return chainMessages(entries)
}

// ProcessDirect runs one turn without a chat platform: memory retrieval, the
// completion call and the memory write. Errors are returned as is.
func (al *AgentLoop) ProcessDirect(ctx context.Context, identity, displayName, text string) (string, error) {
	return al.runTurn(ctx, turn{
		identity:    identity,
		displayName: displayName,
		text:        text,
		botIdentity: DefaultBotIdentity,
		botName:     DefaultBotName,
	})
}

func (al *AgentLoop) runTurn(ctx context.Context, t turn) (string, error) {
	retrieval, err := al.retrieve(ctx, t.text)
	if err != nil {
		return "", err
	}

	// The retriever keeps Recent out of Relevant, so when the reply chain takes
	// the short-term slot the recent utterances move to long-term instead.
	shortTerm := t.shortTerm
	displaced := retrieval.Recent
	if shortTerm == nil {
		displaced = nil
		shortTerm = make([]providers.Message, 0, len(retrieval.Recent))
		for _, u := range retrieval.Recent {
			shortTerm = append(shortTerm, MemoryMessage(u, t.botIdentity))
		}
	}
	longTerm := longTermMessages(retrieval.Relevant, displaced, shortTerm, t.botIdentity)

	messages := Assemble(
		al.contextBuilder.BuildSystemPrompt(retrieval.Personality, al.now()),
		shortTerm,
		longTerm,
		providers.Message{Role: "user", Content: t.text},
	)

	reply, err := al.complete(ctx, messages)
	if err != nil {
		return "", err
	}

	if err := al.memory.Store().Append(ctx, t.identity, t.displayName, t.text); err != nil {
		return "", fmt.Errorf("remember user message: %w", err)
	}
	// The user's line is already stored; a failed reply write leaves it alone.
	if err := al.memory.Store().Append(ctx, t.botIdentity, t.botName, reply); err != nil {
		logger.ErrorCF("agent", "Failed to remember reply", map[string]any{
			"identity": t.botIdentity,
			"error":    err.Error(),
		})
	}
	return reply, nil
}

// retrieve asks the configured retriever and degrades to recency-only memory
// when embedding or indexing fails. Storage failures and embedding dimension
// mismatches are returned.
func (al *AgentLoop) retrieve(ctx context.Context, text string) (memory.Retrieval, error) {
	retrieval, err := al.memory.Retriever().Retrieve(ctx, text)
	if err == nil {
		return retrieval, nil
	}
	if !memory.IsRetrievalError(err) {
		return memory.Retrieval{}, err
	}

	logger.WarnCF("agent", "Semantic retrieval failed, using recent memory only", map[string]any{
		"error": err.Error(),
	})
	retrieval, err = al.memory.Fallback().Retrieve(ctx, text)
	if err != nil {
		return memory.Retrieval{}, err
	}
	return retrieval, nil
}

func (al *AgentLoop) complete(ctx context.Context, messages []providers.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, al.timeout)
	defer cancel()

	start := time.Now()
	resp, err := al.provider.Chat(callCtx, messages, al.model, map[string]interface{}{
		"max_tokens":  al.maxTokens,
		"temperature": al.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}

	reply := providers.StripThinkingTags(resp.Content)
	fields := map[string]any{
		"messages":      len(messages),
		"duration_ms":   time.Since(start).Milliseconds(),
		"finish_reason": resp.FinishReason,
		"reply_chars":   len(reply),
	}
	if resp.Usage != nil {
		fields["total_tokens"] = resp.Usage.TotalTokens
	}
	logger.InfoCF("agent", "Completion received", fields)
	return reply, nil
}

// userFacingError logs err and picks the reply the user sees.
func userFacingError(err error) string {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		logger.ErrorCF("agent", "Completion API error", map[string]any{
			"provider": apiErr.Provider,
			"status":   apiErr.StatusCode,
			"error":    apiErr.Message,
		})
		return APIErrorReply
	}

	fields := map[string]any{"error": err.Error()}
	switch {
	case memory.IsStorageError(err):
		fields["kind"] = "storage"
	case errors.Is(err, memory.ErrDimensionMismatch):
		fields["kind"] = "dimension_mismatch"
	}
	logger.ErrorCF("agent", "Turn failed", fields)
	return GenericErrorReply
}

// GetStartupInfo summarizes the loop's configuration for the startup log.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	return map[string]interface{}{
		"model":           al.model,
		"max_messages":    al.maxMessages,
		"chain_capacity":  al.chain.Capacity(),
		"embedding_model": al.memory.EmbeddingModel(),
		"timeout_seconds": int(al.timeout / time.Second),
	}
}
