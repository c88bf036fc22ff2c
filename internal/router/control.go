package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/moodwire/internal/session"
)

// handleControl runs a session channel command. State changes are announced
// with a status_update on every bound channel.
func (rt *Router) handleControl(ctx context.Context, sess *session.Session, c *wsConn, msg inbound, log *slog.Logger) {
	var err error
	switch msg.Type {
	case TypePing:
		rt.reply(ctx, c, log, session.Message{Type: session.TypePong, Data: map[string]any{"timestamp": rt.now().UnixMilli()}})
		return

	case TypeGetStatus:
		rt.reply(ctx, c, log, session.StatusMessage(sess))
		return

	case TypePause:
		_, err = rt.cfg.Sessions.Pause(sess.ID)

	case TypeResume:
		_, err = rt.cfg.Sessions.Resume(sess.ID)

	case TypeEnd:
		wasEnded := sess.Status() == session.StatusEnded
		// End notifies and closes every bound channel itself.
		if _, err := rt.cfg.Sessions.End(sess.ID); err != nil {
			rt.reply(ctx, c, log, session.ErrorMessage(session.CodeInvalidState, err.Error()))
			return
		}
		if wasEnded {
			rt.reply(ctx, c, log, session.StatusMessage(sess))
			return
		}
		if rt.cfg.Reporter != nil {
			rt.cfg.Reporter.SaveAsync(sess)
		}
		return

	default:
		rt.reply(ctx, c, log, unknownType(msg.Type))
		return
	}

	if err != nil {
		code := session.CodeInvalidState
		if !errors.Is(err, session.ErrInvalidState) {
			log.Warn("control command failed", "type", msg.Type, "error", err)
		}
		rt.reply(ctx, c, log, session.ErrorMessage(code, err.Error()))
		return
	}
	if err := sess.Broadcast(ctx, session.StatusMessage(sess), ""); err != nil {
		log.Debug("status broadcast incomplete", "error", err)
	}
}
