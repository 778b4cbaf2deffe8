package notification

import "context"

// Delivery reports the per-token outcome of one push.
type Delivery struct {
	Sent   int
	Failed int
	// InvalidTokens were rejected as unregistered or malformed and should
	// not be targeted again.
	InvalidTokens []string
}

// Messenger delivers a push to a set of device tokens.
type Messenger interface {
	Send(ctx context.Context, tokens []string, p Push) (*Delivery, error)
}
