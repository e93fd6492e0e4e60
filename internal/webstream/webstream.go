// Package webstream pushes live device, position and event updates to
// websocket clients. One socket serves one user: the client subscribes with
// its user id and receives updates for every device that user may observe.
package webstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/gpsgate/internal/gateway/registry"
	"nuha.dev/gpsgate/internal/model"
)

const idleTimeout = 60 * time.Second

type WebstreamServer struct {
	reg    *registry.Registry
	server *http.Server
	logger zerolog.Logger
}

// subscribeRequest is the first message on a new socket.
type subscribeRequest struct {
	UserID uint64 `json:"userId"`
}

// envelope is the wire format of every push.
type envelope struct {
	Type     string          `json:"type"` //"device", "position" or "event"
	Device   *model.Device   `json:"device,omitempty"`
	Position *model.Position `json:"position,omitempty"`
	Event    *model.Event    `json:"event,omitempty"`
}

func NewWebstream(addr string, reg *registry.Registry) *WebstreamServer {
	o := &WebstreamServer{reg: reg}
	o.server = &http.Server{
		Addr:           addr,
		Handler:        o,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.logger = log.With().Str("module", "webstream").Logger()
	return o
}

func (ws *WebstreamServer) Run() {
	err := ws.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		ws.logger.Err(err).Msg("webstream server stopped")
	}
}

func (ws *WebstreamServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		ws.logger.Err(err).Msg("websocket upgrade failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "closed")

	readCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	var req subscribeRequest
	err = wsjson.Read(readCtx, c, &req)
	if err != nil {
		ws.logger.Err(err).Msg("bad subscribe request")
		return
	}

	wc := newClient(ws, c)
	ws.reg.Subscribe(req.UserID, wc)
	defer ws.reg.Unsubscribe(req.UserID, wc)
	ws.logger.Info().Uint64("user_id", req.UserID).Str("remote", r.RemoteAddr).Msg("stream opened")
	wc.run(r.Context())
	ws.logger.Info().Uint64("user_id", req.UserID).
		Uint64("pushed", atomic.LoadUint64(&wc.pushed)).
		Uint64("dropped", atomic.LoadUint64(&wc.dropped)).
		Msg("stream closed")
}

// client is one connected socket. It satisfies registry.Subscriber: the
// registry calls the OnUpdate methods under its lock, so they only enqueue.
// A slow socket loses updates rather than stalling the decode path.
type client struct {
	srv     *WebstreamServer
	c       *websocket.Conn
	wch     chan []byte
	resetch chan struct{}
	pushed  uint64
	dropped uint64
}

func newClient(srv *WebstreamServer, c *websocket.Conn) *client {
	return &client{srv: srv, c: c, wch: make(chan []byte, 64), resetch: make(chan struct{}, 1)}
}

func (wc *client) OnUpdateDevice(d *model.Device) {
	wc.push(envelope{Type: "device", Device: d})
}

func (wc *client) OnUpdatePosition(p *model.Position) {
	wc.push(envelope{Type: "position", Position: p})
}

func (wc *client) OnUpdateEvent(e *model.Event, p *model.Position) {
	wc.push(envelope{Type: "event", Event: e, Position: p})
}

func (wc *client) push(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case wc.wch <- data:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.dropped, 1)
	}
}

// run writes queued updates until the socket dies. The read loop exists only
// to observe liveness: any inbound message resets the idle timer.
func (wc *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go wc.readloop(cancel)

	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()
	for {
		select {
		case data := <-wc.wch:
			err := wc.c.Write(ctx, websocket.MessageText, data)
			if err != nil {
				return
			}
		case <-wc.resetch:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)
		case <-timer.C:
			wc.c.Close(websocket.StatusAbnormalClosure, "timeout")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (wc *client) readloop(cancel context.CancelFunc) {
	defer cancel()
	for {
		_, _, err := wc.c.Read(context.Background())
		if err != nil {
			return
		}
		select {
		case wc.resetch <- struct{}{}:
		default:
		}
	}
}
