package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider answers a conversation with a single completed reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
