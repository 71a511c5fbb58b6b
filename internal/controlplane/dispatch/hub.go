// Package dispatch implements the control-plane side of the dispatch
// protocol: a websocket hub holding one connection per enrolled device,
// pushing execution intents and collecting acks and log records.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vkrun/vkrun/internal/common/logger"
	"github.com/vkrun/vkrun/internal/controlplane"
	"github.com/vkrun/vkrun/internal/events/bus"
	v1 "github.com/vkrun/vkrun/pkg/api/v1"
)

// ErrDeviceOffline is returned when no socket is registered for the target
// device.
var ErrDeviceOffline = errors.New("device not connected")

const (
	// SubjectLogs prefixes log-record events; full subject is
	// controlplane.logs.<executionID>.
	SubjectLogs = "controlplane.logs"

	writeWait  = 10 * time.Second
	ackTimeout = 30 * time.Second
)

type deviceConn struct {
	deviceID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (d *deviceConn) writeFrame(frame *v1.Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return d.conn.WriteJSON(frame)
}

// Hub is the dispatch server. It implements controlplane.Dispatcher.
type Hub struct {
	service  *controlplane.Service
	bus      bus.EventBus
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*deviceConn
	waiters map[string]chan *v1.IntentAck // intentID → ack waiter
	lastSeq map[string]uint64             // executionID → highest log seq seen
}

// NewHub creates the dispatch hub.
func NewHub(service *controlplane.Service, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		service: service,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "dispatch-hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*deviceConn),
		waiters: make(map[string]chan *v1.IntentAck),
		lastSeq: make(map[string]uint64),
	}
}

// HandleWS upgrades a runner connection. The runner identifies itself with
// the device_id query parameter; only enrolled, unrevoked devices are
// admitted.
func (h *Hub) HandleWS(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Code: "BAD_REQUEST", Message: "device_id is required"})
		return
	}
	device, err := h.service.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, v1.ErrorResponse{Code: "NOT_AUTHORIZED", Message: "device not enrolled"})
		return
	}
	if device.RevokedAt != nil {
		c.JSON(http.StatusUnauthorized, v1.ErrorResponse{Code: "NOT_AUTHORIZED", Message: "device revoked"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	dc := &deviceConn{deviceID: deviceID, conn: conn}
	h.register(dc)
	h.log.Info("runner connected", zap.String("device_id", deviceID))

	go h.readLoop(c.Request.Context(), dc)
}

func (h *Hub) register(dc *deviceConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.conns[dc.deviceID]; ok {
		_ = prev.conn.Close()
	}
	h.conns[dc.deviceID] = dc
}

func (h *Hub) unregister(dc *deviceConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[dc.deviceID] == dc {
		delete(h.conns, dc.deviceID)
	}
	_ = dc.conn.Close()
}

func (h *Hub) readLoop(ctx context.Context, dc *deviceConn) {
	defer func() {
		h.unregister(dc)
		h.log.Info("runner disconnected", zap.String("device_id", dc.deviceID))
	}()
	for {
		var frame v1.Frame
		if err := dc.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("dispatch socket read failed",
					zap.String("device_id", dc.deviceID), zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case v1.FrameAck:
			if frame.Ack != nil {
				h.deliverAck(frame.Ack)
			}
		case v1.FrameLog:
			if frame.Log != nil {
				h.ingestLog(ctx, frame.Log)
			}
		default:
			h.log.Warn("unexpected frame from runner",
				zap.String("device_id", dc.deviceID), zap.String("type", string(frame.Type)))
		}
	}
}

func (h *Hub) deliverAck(ack *v1.IntentAck) {
	h.mu.Lock()
	ch, ok := h.waiters[ack.IntentID]
	if ok {
		delete(h.waiters, ack.IntentID)
	}
	h.mu.Unlock()
	if ok {
		ch <- ack
	}
	// Acks with no waiter are re-deliveries; idempotent, dropped.
}

// ingestLog publishes a log record on the bus for live consumers. Sequence
// numbers must be strictly increasing per execution; gaps and replays are
// logged and replays dropped.
func (h *Hub) ingestLog(ctx context.Context, record *v1.LogRecord) {
	h.mu.Lock()
	last, seen := h.lastSeq[record.ExecutionID]
	if seen && record.Seq <= last {
		h.mu.Unlock()
		h.log.Warn("replayed log record dropped",
			zap.String("execution_id", record.ExecutionID), zap.Uint64("seq", record.Seq))
		return
	}
	if seen && record.Seq != last+1 {
		h.log.Warn("log sequence gap",
			zap.String("execution_id", record.ExecutionID),
			zap.Uint64("expected", last+1), zap.Uint64("got", record.Seq))
	}
	h.lastSeq[record.ExecutionID] = record.Seq
	h.mu.Unlock()

	subject := fmt.Sprintf("%s.%s", SubjectLogs, record.ExecutionID)
	event := bus.NewEvent(subject, "dispatch-hub", map[string]any{"record": record})
	if err := h.bus.Publish(ctx, subject, event); err != nil {
		h.log.Warn("failed to publish log record", zap.Error(err))
	}
}

// Dispatch pushes an intent to its target device and waits for the ack. A
// NACK surfaces as an error carrying the classified reason.
func (h *Hub) Dispatch(ctx context.Context, intent *v1.ExecutionIntent) error {
	h.mu.RLock()
	dc, ok := h.conns[intent.TargetDeviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, intent.TargetDeviceID)
	}

	ackCh := make(chan *v1.IntentAck, 1)
	h.mu.Lock()
	h.waiters[intent.IntentID] = ackCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.waiters, intent.IntentID)
		h.mu.Unlock()
	}()

	if err := dc.writeFrame(&v1.Frame{Type: v1.FrameIntent, Intent: intent}); err != nil {
		return fmt.Errorf("failed to push intent: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ackTimeout):
		return fmt.Errorf("intent %s: ack timeout", intent.IntentID)
	case ack := <-ackCh:
		if !ack.Accepted {
			return fmt.Errorf("intent %s rejected: %s (%s)", intent.IntentID, ack.Reason, ack.Detail)
		}
		return nil
	}
}

// Cancel asks the device supervising an execution to cancel it.
func (h *Hub) Cancel(ctx context.Context, deviceID, executionID string) error {
	h.mu.RLock()
	dc, ok := h.conns[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}
	return dc.writeFrame(&v1.Frame{Type: v1.FrameCancel, Cancel: &v1.CancelRequest{ExecutionID: executionID}})
}

// DeviceForPrincipal picks a connected device enrolled to the principal.
func (h *Hub) DeviceForPrincipal(ctx context.Context, principal string) (string, error) {
	h.mu.RLock()
	connected := make([]string, 0, len(h.conns))
	for id := range h.conns {
		connected = append(connected, id)
	}
	h.mu.RUnlock()

	for _, id := range connected {
		device, err := h.service.GetDevice(ctx, id)
		if err != nil {
			continue
		}
		if device.RevokedAt == nil && device.OwningPrincipal == principal {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no device for principal %s", ErrDeviceOffline, principal)
}

// ConnectedDevices returns the ids of currently connected devices.
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}
