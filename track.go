package flagkit

import "context"

// TrackListener receives the outcome of [Client.TrackAsync].
type TrackListener func(results map[string]bool, err error)

// Track delivers an event named name for uc and reports success per delivery
// target. With a single backend the result is keyed by the event name.
// Properties must be strings, bools or numbers; others are dropped and
// reported in the error.
func (c *Client) Track(ctx context.Context, name string, uc *UserContext, properties map[string]any) (map[string]bool, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.services().track.Track(ctx, name, uc, properties)
}

// TrackAsync is Track in the background.
func (c *Client) TrackAsync(name string, uc *UserContext, properties map[string]any, listener TrackListener) {
	if !c.begin() {
		if listener != nil {
			listener(nil, ErrClosed)
		}
		return
	}
	c.services().track.TrackAsync(c.ctx, name, uc, properties, func(results map[string]bool, err error) {
		defer c.inflight.Done()
		if listener != nil {
			listener(results, err)
		}
	})
}

// SetAttributes applies each attribute independently and merges the applied
// ones into uc. The error is non-nil only when the backend was unreachable;
// per-key failures are in the result.
func (c *Client) SetAttributes(ctx context.Context, attributes map[string]any, uc *UserContext) (AttributeResult, error) {
	if c.isClosed() {
		return AttributeResult{}, ErrClosed
	}
	return c.services().track.SetAttributes(ctx, attributes, uc)
}

func (c *Client) SetAttribute(ctx context.Context, key string, value any, uc *UserContext) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.services().track.SetAttribute(ctx, key, value, uc)
}
