// ABOUTME: One websocket connection with buffered writes, pings, and an inbound rate limit.
// ABOUTME: A peer that cannot keep up with its outbound queue is disconnected.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Connection errors
var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection outbound queue full")
)

type outKind int

const (
	outText outKind = iota
	outBinary
	outClose
)

type outbound struct {
	kind outKind
	data []byte
}

// Conn is a connected peer. Mode and identity are fixed by the connect handshake.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	ws      *websocket.Conn
	send    chan outbound
	limiter *rate.Limiter
	logger  *slog.Logger

	// Set once by the handshake, read-only afterwards.
	mu        sync.RWMutex
	mode      string
	client    protocol.ClientInfo
	nodeID    string
	channel   string
	accountID string
	subject   string

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	writerDone chan struct{}
}

func newConn(id string, ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if cfg.FrameRate > 0 {
		limit = rate.Limit(cfg.FrameRate)
	}
	return &Conn{
		ID:          id,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan outbound, cfg.SendBuffer),
		limiter:     rate.NewLimiter(limit, cfg.FrameBurst),
		logger:      logger.With("connection_id", id),
		ctx:         ctx,
		cancel:      cancel,
		writerDone:  make(chan struct{}),
	}
}

// Mode returns the declared connection mode, or "" before connect.
func (c *Conn) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// NodeID returns the node id for node connections.
func (c *Conn) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// ChannelKey returns "channel:accountId" for channel connections.
func (c *Conn) ChannelKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return channelKey(c.channel, c.accountID)
}

func channelKey(channel, accountID string) string {
	return channel + ":" + accountID
}

func (c *Conn) identify(p protocol.ConnectParams, subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = p.Mode
	c.client = p.Client
	c.subject = subject
	switch p.Mode {
	case protocol.ModeNode:
		c.nodeID = p.Client.ID
	case protocol.ModeChannel:
		c.channel = p.Channel
		c.accountID = p.AccountID
	}
}

// enqueue hands a message to the write pump without blocking.
func (c *Conn) enqueue(msg outbound) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("outbound queue full, dropping connection")
		c.Close()
		return ErrSlowConsumer
	}
}

// SendJSON queues a text frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: outText, data: data})
}

// SendEvent queues an event frame.
func (c *Conn) SendEvent(name string, payload any) error {
	evt, err := protocol.NewEvent(name, payload)
	if err != nil {
		return err
	}
	return c.SendJSON(evt)
}

// SendBinary queues a binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(outbound{kind: outBinary, data: data})
}

func (c *Conn) respond(id string, payload any) {
	resp, err := protocol.NewResponse(id, payload)
	if err != nil {
		c.respondError(id, protocol.AsError(err))
		return
	}
	if err := c.SendJSON(resp); err != nil {
		c.logger.Debug("response not delivered", "request_id", id, "error", err)
	}
}

func (c *Conn) respondError(id string, perr *protocol.Error) {
	if err := c.SendJSON(protocol.NewErrorResponse(id, perr)); err != nil {
		c.logger.Debug("error response not delivered", "request_id", id, "error", err)
	}
}

// closeAfterFlush writes everything already queued, then a close frame, and
// waits briefly for the writer to finish.
func (c *Conn) closeAfterFlush(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	select {
	case c.send <- outbound{kind: outClose, data: msg}:
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}
	default:
	}
	c.Close()
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			switch msg.kind {
			case outText:
				err = c.ws.WriteMessage(websocket.TextMessage, msg.data)
			case outBinary:
				err = c.ws.WriteMessage(websocket.BinaryMessage, msg.data)
			case outClose:
				_ = c.ws.WriteMessage(websocket.CloseMessage, msg.data)
				return
			}
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// readMessage waits for the next frame, honouring the inbound rate limit.
func (c *Conn) readMessage() (int, []byte, error) {
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if err := c.limiter.Wait(c.ctx); err != nil {
		return 0, nil, err
	}
	return typ, data, nil
}

func (c *Conn) prepareRead(limit int64) {
	c.ws.SetReadLimit(limit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}
