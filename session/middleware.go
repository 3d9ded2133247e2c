package session

import (
	"context"

	"github.com/canopyhq/canopy/dispatch"
	"github.com/canopyhq/canopy/errors"
)

// BoundHandler is a handler that requires a registered session. The
// session passed in is a snapshot bound to an active engine.
type BoundHandler func(ctx context.Context, sess *Session, msg dispatch.Message) error

// RequireRegistered resolves the session for the message's origin
// connection before invoking h. An unknown or not-yet-active session
// short-circuits with ErrNotRegistered; the guard lives here once instead
// of in every per-category handler.
func (r *Registry) RequireRegistered(h BoundHandler) dispatch.Handler {
	return func(ctx context.Context, msg dispatch.Message) error {
		sess := r.Get(msg.Origin)
		if sess == nil || sess.State != StateActive || sess.EngineUID == "" {
			return errors.Wrap(errors.ErrNotRegistered, "session", "RequireRegistered", msg.Event)
		}
		return h(ctx, sess, msg)
	}
}
