// Package signal carries SDP and ICE between browsers and the orchestrator
// over a WebSocket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/camcast/internal/app/orch"
	"github.com/dkeye/camcast/internal/config"
	"github.com/dkeye/camcast/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	defaultReadLimit  = 64 << 10
	defaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
	sendBuffer        = 32
)

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter

	readLimit  int64
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
}

// NewSignalWSController builds a controller. checkOrigin may be nil to
// accept any origin.
func NewSignalWSController(o *orch.Orchestrator, limiter *RateLimiter, cfg config.SignalConfig, checkOrigin func(*http.Request) bool) *SignalWSController {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctl := &SignalWSController{
		Orch:       o,
		Limiter:    limiter,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
	}
	if ctl.readLimit <= 0 {
		ctl.readLimit = defaultReadLimit
	}
	if ctl.pingPeriod <= 0 {
		ctl.pingPeriod = defaultPingPeriod
	}
	return ctl
}

// pongWait is how long the peer may stay silent.
func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.pingPeriod * 10 / 9
}

type wsSignalConn struct {
	conn   *websocket.Conn
	send   chan []byte
	client string

	mu     sync.RWMutex
	closed bool
	owned  map[core.SessionID]struct{}
}

func (c *wsSignalConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close is idempotent and returns the sessions created over the socket.
func (c *wsSignalConn) Close() []core.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()

	sids := make([]core.SessionID, 0, len(c.owned))
	for sid := range c.owned {
		sids = append(sids, sid)
	}
	c.owned = nil
	return sids
}

func (c *wsSignalConn) own(sid core.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.owned[sid] = struct{}{}
	return true
}

func (c *wsSignalConn) owns(sid core.SessionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.owned[sid]
	return ok
}

// disown reports whether sid was owned by this socket.
func (c *wsSignalConn) disown(sid core.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owned[sid]; !ok {
		return false
	}
	delete(c.owned, sid)
	return true
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("client", client).Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsSignalConn{
		conn:   ws,
		send:   make(chan []byte, sendBuffer),
		client: client,
		owned:  make(map[core.SessionID]struct{}),
	}
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
