package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/hub"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/model"
)

// Conn is one subscribed WebSocket. It implements hub.Socket.
//
// The handler goroutine runs the read loop; a second goroutine runs the
// write pump, which is the only writer of data frames. Control frames go
// through WriteControl, which gorilla/websocket allows concurrently.
type Conn struct {
	id     string
	ws     *websocket.Conn
	queue  *sendQueue
	req    model.SubscribeRequest
	server *Server
	logger *slog.Logger

	registered bool
	closeOnce  sync.Once
	done       chan struct{}
}

var _ hub.Socket = (*Conn)(nil)

func (s *Server) newConn(id string, ws *websocket.Conn, req model.SubscribeRequest) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		queue:  newSendQueue(s.opts.SendQueueSize),
		req:    req,
		server: s,
		logger: s.logger.With("conn", id, "document", req.DocumentID, "project", req.ProjectID),
		done:   make(chan struct{}),
	}
}

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// Send queues msg for the write pump.
func (c *Conn) Send(msg []byte) error {
	return c.queue.Enqueue(msg)
}

// Close tears the connection down. Safe to call any number of times from
// any goroutine.
func (c *Conn) Close() error {
	c.teardown(metrics.ReasonShutdown, websocket.CloseGoingAway, "")
	return nil
}

// teardown unregisters the socket, drops pending sends and closes the
// underlying connection. Only the first call has any effect.
func (c *Conn) teardown(reason string, code int, text string) {
	c.closeOnce.Do(func() {
		if c.registered {
			c.server.registry.Unsubscribe(c.req.DocumentID, c)
			c.server.metrics.ConnectionClosed(reason)
		}
		c.queue.Close()
		close(c.done)
		if code != 0 {
			deadline := time.Now().Add(c.server.opts.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		}
		_ = c.ws.Close()
		c.logger.Debug("connection closed", "reason", reason)
	})
}

// writePump writes queued frames and pings until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.server.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.server.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.teardown(metrics.ReasonSendFailed, 0, "")
				return
			}
		case _, ok := <-c.queue.Wait():
			if !ok {
				return
			}
			for {
				frame, ok := c.queue.TryDequeue()
				if !ok {
					break
				}
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.logger.Debug("write failed", "error", err)
					c.teardown(metrics.ReasonSendFailed, 0, "")
					return
				}
			}
		}
	}
}

// readLoop handles inbound frames in arrival order until the socket closes
// or a frame is malformed.
func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.server.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.opts.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			c.teardown(metrics.ReasonClientClosed, 0, "")
			return
		}
		if err := c.handleFrame(c.server.ctx, data); err != nil {
			if collab.IsMalformed(err) {
				// No response on a socket we are about to drop.
				c.logger.Warn("malformed message, closing connection", "error", err)
				c.teardown(metrics.ReasonMalformed, websocket.CloseUnsupportedData, "malformed message")
				return
			}
			c.logger.Error("request failed, closing connection", "error", err)
			c.teardown(metrics.ReasonServerError, websocket.CloseInternalServerErr, string(collab.CodeOf(err)))
			return
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) error {
	msg, err := parseInbound(data)
	if err != nil {
		return err
	}
	// Only history requests parse successfully.
	return c.pushHistory(ctx, *msg.FromVersion)
}

// pushHistory sends the steps since fromVersion. When they cannot be
// replayed, because the log was cleared or fromVersion is ahead of the
// document, the client gets the full tree flagged for resync.
func (c *Conn) pushHistory(ctx context.Context, fromVersion int64) error {
	resp, err := c.server.service.GetHistory(ctx, c.req.DocumentID, fromVersion, false)
	resync := false
	if collab.IsHistoryUnavailable(err) || collab.IsVersionConflict(err) {
		c.logger.Debug("history not replayable, sending snapshot", "from_version", fromVersion, "error", err)
		resp, err = c.server.service.Snapshot(ctx, c.req.DocumentID)
		resync = true
	}
	if err != nil {
		return err
	}
	return c.push(resp, resync)
}

func (c *Conn) push(resp *model.HistoryResponse, resync bool) error {
	frame, err := encodePush(resp, resync)
	if err != nil {
		return err
	}
	if err := c.Send(frame); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}
