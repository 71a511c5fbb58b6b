// Package dispatch implements the runner side of the dispatch protocol: the
// websocket client, envelope validation, idempotent acking, and the log
// record uplink.
package dispatch

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// IntentHandler executes an accepted intent. It is called on its own
// goroutine; returning an error does not NACK (the intent was already
// acked), it only logs.
type IntentHandler interface {
	HandleIntent(ctx context.Context, intent *v1.ExecutionIntent) error
	HandleCancel(ctx context.Context, executionID string)
}

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	ackedWindow  = 512
)

// Client maintains the runner's dispatch socket with reconnect and backoff.
type Client struct {
	controlPlaneURL string
	deviceID        string
	validator       *Validator
	handler         IntentHandler
	log             *logger.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	acked map[string]*v1.IntentAck // intentID → last ack, for idempotent re-delivery
	order []string
}

// NewClient creates the dispatch client.
func NewClient(controlPlaneURL, deviceID string, validator *Validator, handler IntentHandler, log *logger.Logger) *Client {
	return &Client{
		controlPlaneURL: controlPlaneURL,
		deviceID:        deviceID,
		validator:       validator,
		handler:         handler,
		log:             log.WithFields(zap.String("component", "dispatch-client")),
		acked:           make(map[string]*v1.IntentAck),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.log.Warn("dispatch connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) wsURL() string {
	base := strings.TrimRight(c.controlPlaneURL, "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/api/v1/dispatch?device_id=" + url.QueryEscape(c.deviceID)
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	c.log.Info("dispatch connected")

	for {
		var frame v1.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case v1.FrameIntent:
			if frame.Intent != nil {
				c.handleIntent(ctx, frame.Intent)
			}
		case v1.FrameCancel:
			if frame.Cancel != nil {
				c.handler.HandleCancel(ctx, frame.Cancel.ExecutionID)
			}
		default:
			c.log.Warn("unexpected frame from control plane",
				zap.String("type", string(frame.Type)))
		}
	}
}

func (c *Client) handleIntent(ctx context.Context, intent *v1.ExecutionIntent) {
	// Re-delivery of an already acked (intentId, nonce) pair resends the
	// same ack without re-running anything.
	c.mu.Lock()
	if prev, ok := c.acked[intent.IntentID]; ok && prev.Nonce == intent.Nonce {
		c.mu.Unlock()
		c.sendAck(prev)
		return
	}
	c.mu.Unlock()

	ack := c.validator.Validate(ctx, intent, time.Now().UTC())
	if ack == nil {
		ack = &v1.IntentAck{IntentID: intent.IntentID, Nonce: intent.Nonce, Accepted: true}
	}
	c.rememberAck(ack)
	c.sendAck(ack)

	if !ack.Accepted {
		c.log.Warn("intent rejected",
			zap.String("intent_id", intent.IntentID),
			zap.String("reason", string(ack.Reason)),
			zap.String("detail", ack.Detail))
		return
	}

	go func() {
		if err := c.handler.HandleIntent(ctx, intent); err != nil {
			c.log.Error("intent execution failed",
				zap.String("intent_id", intent.IntentID),
				zap.String("execution_id", intent.ExecutionID),
				zap.Error(err))
		}
	}()
}

func (c *Client) rememberAck(ack *v1.IntentAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.acked[ack.IntentID]; !ok {
		c.order = append(c.order, ack.IntentID)
		if len(c.order) > ackedWindow {
			delete(c.acked, c.order[0])
			c.order = c.order[1:]
		}
	}
	c.acked[ack.IntentID] = ack
}

func (c *Client) sendAck(ack *v1.IntentAck) {
	c.writeFrame(&v1.Frame{Type: v1.FrameAck, Ack: ack})
}

// SendLog uplinks one log record on the dispatch socket. Records are dropped
// when disconnected; the jsonl file remains the durable copy.
func (c *Client) SendLog(record *v1.LogRecord) {
	c.writeFrame(&v1.Frame{Type: v1.FrameLog, Log: record})
}

func (c *Client) writeFrame(frame *v1.Frame) {
	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			c.log.Warn("dispatch write failed", zap.Error(err))
		}
	}
	c.mu.Unlock()
}
