// Package realtime bridges the event bus to WebSocket clients.
package realtime

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ragline-ai/ragline/internal/events"
)

// Application close codes sent before dropping a connection.
const (
	CloseBusUnavailable = 4000
	CloseUnauthorized   = 4001
	CloseNoTenant       = 4002
	CloseIdleTimeout    = 4003
)

// Config tunes per-connection behavior.
type Config struct {
	// BufferLimit bounds the per-connection send queue. When a slow client
	// falls behind, the oldest queued events are dropped first.
	BufferLimit  int
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Gateway upgrades HTTP requests and relays the tenant's job events.
type Gateway struct {
	bus      events.Bus
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	dropped  atomic.Uint64
}

// Dropped reports how many events were shed from slow client queues since
// the gateway started.
func (g *Gateway) Dropped() uint64 { return g.dropped.Load() }

// NewGateway creates a gateway over the bus.
func NewGateway(bus events.Bus, cfg Config, logger zerolog.Logger) *Gateway {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 60 * time.Second
	}
	return &Gateway{
		bus: bus,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from app frontends;
			// auth happens at the token layer, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handle upgrades the connection and relays events until the client leaves,
// the bus subscription ends, or the client stops answering pings. The
// tenant must already be authenticated; an empty tenantID closes with 4002.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if tenantID == "" {
		g.close(conn, CloseNoTenant, "tenant required")
		return
	}

	busCh, stop, err := g.bus.Subscribe(tenantID)
	if err != nil {
		g.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("bus subscribe failed")
		g.close(conn, CloseBusUnavailable, "event bus unavailable")
		return
	}
	defer stop()

	logger := g.logger.With().
		Str("tenant_id", tenantID).
		Str("conn_id", uuid.NewString()).
		Logger()
	logger.Debug().Msg("websocket connected")

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(events.JobEvent{
		Event:    events.EventConnected,
		TenantID: tenantID,
		TS:       time.Now().UTC(),
	}); err != nil {
		logger.Debug().Err(err).Msg("websocket greeting failed")
		return
	}

	queue := make(chan events.JobEvent, g.cfg.BufferLimit)
	go g.enqueue(busCh, queue, logger)

	// Reader: consume and discard client frames, keep the pong deadline
	// fresh. Its exit signals disconnect or idle timeout; readErr is written
	// before readerDone closes.
	readerDone := make(chan struct{})
	var readErr error
	conn.SetReadDeadline(time.Now().Add(g.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PingTimeout))
	})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr = err
				return
			}
		}
	}()

	pings := time.NewTicker(g.cfg.PingInterval)
	defer pings.Stop()

	for {
		select {
		case ev, ok := <-queue:
			if !ok {
				g.close(conn, CloseBusUnavailable, "event stream ended")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			if isIdleTimeout(readErr) {
				// Read deadline expiry: the client stopped ponging.
				g.close(conn, CloseIdleTimeout, "idle timeout")
				logger.Debug().Msg("websocket idle timeout")
			} else {
				logger.Debug().Msg("websocket closed by client")
			}
			return
		}
	}
}

// enqueue moves bus events onto the bounded send queue, dropping the oldest
// entry when the client cannot keep up.
func (g *Gateway) enqueue(busCh <-chan events.JobEvent, queue chan events.JobEvent, logger zerolog.Logger) {
	defer close(queue)
	for ev := range busCh {
		select {
		case queue <- ev:
		default:
			select {
			case <-queue:
				g.dropped.Add(1)
				logger.Debug().Msg("slow websocket client, dropped oldest event")
			default:
			}
			select {
			case queue <- ev:
			default:
			}
		}
	}
}

// isIdleTimeout reports whether a read failed because the pong deadline
// expired rather than because the peer went away.
func isIdleTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (g *Gateway) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.CloseMessage, msg)
}

// CloseUnauthorizedConn upgrades then immediately closes with 4001. The API
// layer uses this when token validation fails, so browser clients receive a
// close code instead of an opaque handshake error.
func (g *Gateway) CloseUnauthorizedConn(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	g.close(conn, CloseUnauthorized, "unauthorized")
}
