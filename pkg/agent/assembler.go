package agent

import "github.com/JamalEddineEb/discord/pkg/providers"

// Assemble orders one completion request: the system prompt (omitted when
// empty), long-term memory with the least relevant item first, the short-term
// conversation oldest first, then the new message. Inputs are not modified.
func Assemble(systemPrompt string, shortTerm, longTerm []providers.Message, newMessage providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(shortTerm)+len(longTerm)+2)
	if systemPrompt != "" {
		out = append(out, providers.Message{Role: "system", Content: systemPrompt})
	}
	out = append(out, longTerm...)
	out = append(out, shortTerm...)
	return append(out, newMessage)
}
