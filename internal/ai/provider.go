package ai

import "context"

// Message is one chat turn. Images are base64-encoded and only read by
// providers with vision support.
type Message struct {
	Role    string
	Content string
	Images  []string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
