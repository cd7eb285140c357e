package bus

// InboundMessage is one chat message delivered by a channel adapter.
// ParentID is the id of the message it replies to, empty when it starts a
// new conversation.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	ChatID     string            `json:"chat_id"`
	MessageID  string            `json:"message_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Content    string            `json:"content"`
	IsBot      bool              `json:"is_bot,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply for a channel adapter to deliver. ReplyTo, when
// set, makes the adapter post it as a reply to that message id.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type MessageHandler func(InboundMessage) error
