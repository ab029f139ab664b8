package events

import "context"

// Replier sends a Response back over the control channel that delivered
// the originating event.
type Replier interface {
	Reply(ctx context.Context, resp Response) error
}

// ReplierFunc adapts a function to the Replier interface.
type ReplierFunc func(ctx context.Context, resp Response) error

// Reply calls f(ctx, resp).
func (f ReplierFunc) Reply(ctx context.Context, resp Response) error {
	return f(ctx, resp)
}
