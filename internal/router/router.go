// Package router binds websocket connections to live sessions.
//
// Clients open one connection per channel at /ws/{channel}?sessionId={id}
// or /ws/{channel}/{id}. The router validates the address, stores the
// connection in the session's channel slot, makes sure the channel's
// analysis cycle is running and then dispatches inbound messages until the
// connection closes. A heartbeat ping runs alongside every connection.
package router

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/moodwire/internal/cycle"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/store"
	"github.com/MrWong99/moodwire/pkg/provider/classifier"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
)

// Defaults for zero [Config] fields.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDeletionDelay     = 30 * time.Second
	DefaultMaxMessageBytes   = 1 << 20

	sendTimeout = 5 * time.Second
)

// Config wires a [Router].
type Config struct {
	// Sessions is the registry connections are bound to. Required.
	Sessions *session.Registry

	// Classifier backs the expression cycle. Required.
	Classifier classifier.Provider

	// VAD classifies audio_chunk payloads. Nil rejects audio chunks.
	VAD vad.Engine

	// VADConfig configures per-session VAD segmenters.
	VADConfig vad.Config

	// Reporter saves the final report when a session ends. Nil disables
	// saving.
	Reporter *store.Reporter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Expression and Voice configure the analysis cycles.
	Expression cycle.Config
	Voice      cycle.Config

	// HeartbeatInterval is the ping period. A ping unanswered within one
	// interval closes the connection.
	HeartbeatInterval time.Duration

	// DeletionDelay is how long an ended session without connections is
	// kept before deletion.
	DeletionDelay time.Duration

	// AllowedOrigins are host patterns accepted for cross-origin
	// connections. Empty allows same-origin only.
	AllowedOrigins []string

	// MaxMessageBytes limits one inbound message.
	MaxMessageBytes int64
}

// Router serves the websocket endpoints.
type Router struct {
	cfg Config
	ctx context.Context
	now func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a Router. ctx bounds the analysis cycles it starts and should
// live as long as the server.
func New(ctx context.Context, cfg Config) *Router {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.DeletionDelay <= 0 {
		cfg.DeletionDelay = DefaultDeletionDelay
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Router{
		cfg:    cfg,
		ctx:    ctx,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Register adds the websocket routes to mux.
func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{channel}", rt.serveWS)
	mux.HandleFunc("GET /ws/{channel}/{id}", rt.serveWS)
}

// Close cancels pending deletions.
func (rt *Router) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, t := range rt.timers {
		t.Stop()
		delete(rt.timers, id)
	}
}

// wsConn adapts a websocket connection to [session.Conn].
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, m session.Message) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, m)
}

func (c *wsConn) Close(reason string) {
	go func() { _ = c.conn.Close(websocket.StatusNormalClosure, reason) }()
}

func (rt *Router) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: rt.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "path", r.URL.Path, "error", err)
		return
	}
	conn.SetReadLimit(rt.cfg.MaxMessageBytes)

	ch, ok := session.ParseChannel(r.PathValue("channel"))
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unknown channel")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	if id == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing sessionId")
		return
	}
	sess, err := rt.cfg.Sessions.Get(id)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.SessionLogger(ctx, sess.ID, string(ch))

	c := &wsConn{conn: conn}
	sess.Bind(ch, c)
	rt.cfg.Metrics.ConnectionOpened(ctx, string(ch))
	log.Info("channel connected", "remote_addr", r.RemoteAddr)

	defer func() {
		rt.cfg.Metrics.ConnectionClosed(context.WithoutCancel(ctx), string(ch))
		conn.CloseNow()
		if sess.Unbind(ch, c) && sess.Status() == session.StatusEnded {
			rt.scheduleDeletion(sess.ID)
		}
		log.Info("channel disconnected")
	}()

	if err := c.Send(ctx, session.Message{Type: session.TypeConnected, Data: session.ConnectedData{
		Channel:   ch,
		SessionID: sess.ID,
	}}); err != nil {
		log.Warn("sending connected failed", "error", err)
		return
	}
	rt.ensureCycle(sess, ch)

	go rt.heartbeat(ctx, conn, log)
	rt.readLoop(ctx, sess, ch, c, log)
}

// ensureCycle starts the analysis cycle owned by ch, if it has one.
func (rt *Router) ensureCycle(sess *session.Session, ch session.Channel) {
	opts := []cycle.Option{cycle.WithMetrics(rt.cfg.Metrics)}
	switch ch {
	case session.ChannelLandmarks:
		sess.EnsureCycle(ch, func() session.Cycle {
			e := cycle.NewExpression(sess, rt.cfg.Classifier, rt.cfg.Expression, opts...)
			e.Start(rt.ctx)
			return e
		})
	case session.ChannelVoice:
		sess.EnsureCycle(ch, func() session.Cycle {
			v := cycle.NewVoice(sess, rt.cfg.Voice, opts...)
			v.Start(rt.ctx)
			return v
		})
	}
}

// heartbeat pings every interval and force-closes the transport when a pong
// does not arrive before the next one is due.
func (rt *Router) heartbeat(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, rt.cfg.HeartbeatInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("heartbeat missed, closing connection", "error", err)
				conn.CloseNow()
				return
			}
		}
	}
}

// readLoop dispatches inbound messages until the connection fails.
func (rt *Router) readLoop(ctx context.Context, sess *session.Session, ch session.Channel, c *wsConn, log *slog.Logger) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				log.Debug("read failed", "error", err)
			}
			return
		}

		msg, err := decode(data)
		if err != nil {
			log.Debug("dropping malformed message", "error", err)
			rt.reply(ctx, c, log, session.ErrorMessage(session.CodeParseError, err.Error()))
			continue
		}
		rt.cfg.Metrics.RecordMessage(ctx, string(ch), msg.Type)

		switch ch {
		case session.ChannelLandmarks:
			rt.handleLandmarks(ctx, sess, c, msg, log)
		case session.ChannelVoice:
			rt.handleVoice(ctx, sess, c, msg, log)
		case session.ChannelSession:
			rt.handleControl(ctx, sess, c, msg, log)
		}
	}
}

// reply sends m on c and logs failures.
func (rt *Router) reply(ctx context.Context, c *wsConn, log *slog.Logger, m session.Message) {
	if err := c.Send(ctx, m); err != nil && ctx.Err() == nil {
		log.Debug("reply failed", "type", m.Type, "error", err)
	}
}

// scheduleDeletion deletes the session after the deletion delay unless a
// channel has reconnected by then.
func (rt *Router) scheduleDeletion(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.timers[id]; ok {
		t.Stop()
	}
	rt.timers[id] = time.AfterFunc(rt.cfg.DeletionDelay, func() {
		rt.mu.Lock()
		delete(rt.timers, id)
		rt.mu.Unlock()

		sess, err := rt.cfg.Sessions.Get(id)
		if err != nil {
			return
		}
		if !sess.Idle() {
			slog.Debug("session deletion skipped, channel reconnected", "session_id", id)
			return
		}
		if err := rt.cfg.Sessions.Delete(id); err != nil {
			slog.Warn("deferred session deletion failed", "session_id", id, "error", err)
		}
	})
}
