package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"net/http"

	"github.com/gorilla/websocket"

	"alertdesk/internal/alert"
	"alertdesk/internal/session"
	logx "alertdesk/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4096
	wsOpTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server frames.
type stateFrame struct {
	Type string `json:"type"` // "state"
	alert.Snapshot
}

type chimeFrame struct {
	Type string `json:"type"` // "chime"
}

type errorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// clientFrame is an action sent by the browser.
type clientFrame struct {
	Action string `json:"action"` // dismiss, dismiss_all, refresh
	ID     int64  `json:"id,omitempty"`
}

// wsOutbox coalesces outgoing frames so alert callbacks never block: only
// the latest state is kept, chimes and errors are queued.
type wsOutbox struct {
	mu     sync.Mutex
	state  *alert.Snapshot
	chimes int
	errs   []string
	wake   chan struct{}
}

func newOutbox() *wsOutbox { return &wsOutbox{wake: make(chan struct{}, 1)} }

func (o *wsOutbox) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *wsOutbox) setState(s alert.Snapshot) {
	o.mu.Lock()
	o.state = &s
	o.mu.Unlock()
	o.poke()
}

func (o *wsOutbox) chime(context.Context) error {
	o.mu.Lock()
	o.chimes++
	o.mu.Unlock()
	o.poke()
	return nil
}

func (o *wsOutbox) fail(msg string) {
	o.mu.Lock()
	if len(o.errs) < 16 {
		o.errs = append(o.errs, msg)
	}
	o.mu.Unlock()
	o.poke()
}

// drain returns the frames to write, state first.
func (o *wsOutbox) drain() []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []any
	if o.state != nil {
		out = append(out, stateFrame{Type: "state", Snapshot: *o.state})
		o.state = nil
	}
	for ; o.chimes > 0; o.chimes-- {
		out = append(out, chimeFrame{Type: "chime"})
	}
	for _, e := range o.errs {
		out = append(out, errorFrame{Type: "error", Message: e})
	}
	o.errs = nil
	return out
}

// Alerts upgrades to a WebSocket and runs one alert session for it.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	if h.d.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "alerts unavailable")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	out := newOutbox()
	sess := session.New(h.d.Hub.Config(), h.d.Store, alert.ChimeFunc(out.chime), out.setState, h.log)
	log := h.log.With(logx.String("session", sess.ID))
	h.d.Hub.Add(sess)
	defer func() {
		h.d.Hub.Remove(sess)
		sess.Close()
		log.Debug("alert session closed")
	}()
	log.Debug("alert session opened", logx.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out.setState(sess.Snapshot())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		writeLoop(ctx, conn, out, log)
		// Unblocks readLoop.
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go sess.Run(ctx)

	readLoop(ctx, conn, sess, out, log)
	cancel()
	<-writerDone
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out *wsOutbox, log logx.Logger) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-out.wake:
			for _, f := range out.drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(f); err != nil {
					log.Debug("websocket write failed", logx.Err(err))
					return
				}
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, out *wsOutbox, log logx.Logger) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", logx.Err(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			out.fail("invalid frame")
			continue
		}
		if err := handleAction(ctx, sess, f); err != nil {
			out.fail(err.Error())
		}
	}
}

func handleAction(ctx context.Context, sess *session.Session, f clientFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsOpTimeout)
	defer cancel()
	switch f.Action {
	case "dismiss":
		if f.ID <= 0 {
			return errors.New("dismiss: id is required")
		}
		return sess.Dismiss(ctx, f.ID)
	case "dismiss_all":
		return sess.DismissAll(ctx)
	case "refresh":
		return sess.Refresh(ctx)
	default:
		return errors.New("unknown action: " + f.Action)
	}
}
