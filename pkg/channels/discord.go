package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JamalEddineEb/discord/pkg/bus"
	"github.com/JamalEddineEb/discord/pkg/chain"
	"github.com/JamalEddineEb/discord/pkg/config"
	"github.com/JamalEddineEb/discord/pkg/logger"
	"github.com/JamalEddineEb/discord/pkg/utils"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second

	// MaxMessageLength is Discord's hard limit per message.
	MaxMessageLength = 2000
	// splitTarget leaves room to extend a chunk up to MaxMessageLength so a
	// code block is not cut in half.
	splitTarget = 1500

	maxStatusLength = 128
)

// discordSession is the part of *discordgo.Session the channel uses.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UpdateCustomStatus(state string) error
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type DiscordChannel struct {
	*BaseChannel
	session discordSession
	config  config.DiscordConfig

	botMu       sync.RWMutex
	botUserID   string
	botUserName string

	// fetched holds parent messages resolved for reply-chain walks, keyed
	// by channel and message id.
	fetched *lru.Cache[string, chain.Fields]

	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return newDiscordChannel(cfg, bus, session)
}

func newDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus, session discordSession) (*DiscordChannel, error) {
	size := cfg.FetchCacheSize
	if size <= 0 {
		size = 512
	}
	fetched, err := lru.New[string, chain.Fields](size)
	if err != nil {
		return nil, fmt.Errorf("create discord fetch cache: %w", err)
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel(DiscordName, bus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		fetched:     fetched,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.setBotUser(botUser.ID, displayName(botUser))
	c.setRunning(true)

	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	status := strings.TrimSpace(c.config.StatusMessage)
	if status != "" {
		if err := c.session.UpdateCustomStatus(utils.Truncate(status, maxStatusLength)); err != nil {
			logger.WarnCF("discord", "Failed to set custom status", map[string]any{
				"error": err.Error(),
			})
		}
	}

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) BotUserID() string {
	c.botMu.RLock()
	defer c.botMu.RUnlock()
	return c.botUserID
}

func (c *DiscordChannel) botName() string {
	c.botMu.RLock()
	defer c.botMu.RUnlock()
	return c.botUserName
}

func (c *DiscordChannel) setBotUser(id, name string) {
	c.botMu.Lock()
	c.botUserID = id
	c.botUserName = name
	c.botMu.Unlock()
}

// Send posts msg.Content in chunks of at most MaxMessageLength. The first
// chunk replies to msg.ReplyTo when it is set.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}

	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	defer c.endTyping(channelID)

	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	for i, chunk := range splitMessage(msg.Content, splitTarget) {
		replyTo := ""
		if i == 0 {
			replyTo = msg.ReplyTo
		}
		if err := c.sendChunk(ctx, channelID, chunk, replyTo); err != nil {
			return err
		}
	}

	return nil
}

// FetchMessage loads a message for a reply-chain walk. Results are kept in
// an LRU so overlapping walks do not hit the API again.
func (c *DiscordChannel) FetchMessage(ctx context.Context, channelID, messageID string) (chain.Fields, error) {
	key := channelID + ":" + messageID
	if f, ok := c.fetched.Get(key); ok {
		return f, nil
	}

	m, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return chain.Fields{}, fmt.Errorf("fetch discord message %s: %w", messageID, err)
	}
	f := c.fieldsFor(m)
	c.fetched.Add(key, f)
	return f, nil
}

func (c *DiscordChannel) fieldsFor(m *discordgo.Message) chain.Fields {
	f := chain.Fields{
		Text:     c.stripMention(m.Content),
		Role:     chain.RoleUser,
		ParentID: parentID(m),
	}
	if m.Author != nil {
		f.AuthorID = m.Author.ID
		f.AuthorName = displayName(m.Author)
		if m.Author.ID == c.BotUserID() {
			f.Role = chain.RoleAssistant
		}
	}
	return f
}

// parentID is the id of the message m replies to within the same channel.
func parentID(m *discordgo.Message) string {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return ""
	}
	if ref.ChannelID != "" && ref.ChannelID != m.ChannelID {
		return ""
	}
	return ref.MessageID
}

func displayName(u *discordgo.User) string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.GlobalName); name != "" {
		return name
	}
	return u.Username
}

// stripMention removes a leading bot mention in either <@id> or <@!id> form.
func (c *DiscordChannel) stripMention(content string) string {
	id := c.BotUserID()
	if id == "" {
		return strings.TrimSpace(content)
	}
	trimmed := strings.TrimSpace(content)
	for _, prefix := range []string{"<@" + id + ">", "<@!" + id + ">"} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
	}
	return trimmed
}

func (c *DiscordChannel) mentionsBot(m *discordgo.Message) bool {
	id := c.BotUserID()
	for _, u := range m.Mentions {
		if u != nil && u.ID == id {
			return true
		}
	}
	return false
}

// splitMessage splits long messages into chunks, preserving code block
// integrity. Chunks end on natural boundaries where possible and are never
// longer than limit+500 bytes.
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = runeBoundary(content, limit)
		}

		candidate := content[:msgEnd]
		unclosedIdx := findLastUnclosedCodeBlock(candidate)

		if unclosedIdx >= 0 {
			extendedLimit := limit + 500
			if len(content) > extendedLimit {
				closingIdx := findNextClosingCodeBlock(content, msgEnd)
				if closingIdx > 0 && closingIdx <= extendedLimit {
					msgEnd = closingIdx
				} else {
					msgEnd = findLastNewline(content[:unclosedIdx], 200)
					if msgEnd <= 0 {
						msgEnd = findLastSpace(content[:unclosedIdx], 100)
					}
					if msgEnd <= 0 {
						msgEnd = unclosedIdx
					}
				}
			} else {
				msgEnd = len(content)
			}
		}

		if msgEnd <= 0 {
			msgEnd = runeBoundary(content, limit)
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// runeBoundary backs i off to the start of the rune it falls in.
func runeBoundary(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// findLastUnclosedCodeBlock returns the position of the last opening ```
// without a closing one, or -1 if every block is closed.
func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// findNextClosingCodeBlock returns the position just after the next ```
// at or after startIdx, or -1.
func findNextClosingCodeBlock(text string, startIdx int) int {
	for i := startIdx; i < len(text); i++ {
		if i+2 < len(text) && text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}

// findLastNewline finds the last newline within the last searchWindow bytes.
func findLastNewline(s string, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

func findLastSpace(s string, searchWindow int) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if s[i] == ' ' || s[i] == '\t' {
			return i
		}
	}
	return -1
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content, replyTo string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	data := &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{RepliedUser: false},
	}
	if replyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: replyTo,
			ChannelID: channelID,
		}
	}

	if _, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(sendCtx)); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{
		pending: 1,
		cancel:  cancel,
	}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	c.onMessage(m.Message)
}

func (c *DiscordChannel) onMessage(m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.BotUserID() {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && c.config.RequireMention && !c.mentionsBot(m) {
		return
	}

	if !c.IsAllowed(m.Author.ID + "|" + m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	content := c.stripMention(m.Content)
	if content == "" {
		return
	}

	senderName := displayName(m.Author)
	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"message_id":  m.ID,
		"preview":     utils.Truncate(content, 50),
	})

	c.beginTyping(m.ChannelID)

	msg := bus.InboundMessage{
		SenderID:   m.Author.ID,
		SenderName: senderName,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		ParentID:   parentID(m),
		Content:    content,
		IsBot:      m.Author.Bot,
		Metadata: map[string]string{
			"username":    m.Author.Username,
			"guild_id":    m.GuildID,
			"bot_user_id": c.BotUserID(),
			"bot_name":    c.botName(),
			"is_dm":       fmt.Sprintf("%t", isDM),
		},
	}
	if !c.HandleMessage(msg) {
		c.endTyping(m.ChannelID)
	}
}
