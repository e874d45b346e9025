package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgewild/fleetcore/internal/device"
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ConnSource resolves a device id to its live connection. The device
// registry implements it.
type ConnSource interface {
	Conn(deviceID string) (device.Conn, bool)
	ListOnline() []device.Device
}

// EventEnvelope is the wire shape for fire-and-forget notifications.
type EventEnvelope struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandEnvelope is the wire shape for request/reply commands. The
// device echoes MessageID in its reply for correlation.
type CommandEnvelope struct {
	Command   string    `json:"command"`
	Params    any       `json:"params,omitempty"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandResult is a device's reply to a command.
type CommandResult struct {
	DeviceID  string `json:"device_id"`
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// pendingCommand tracks one in-flight command awaiting its reply.
type pendingCommand struct {
	deviceID string
	issuedAt time.Time
	timer    *time.Timer
	ch       chan *CommandResult
}

// Router delivers messages to devices over their live connections and
// correlates command replies with their requests by message id.
//
// Every pending command is bounded by its own timer: a disconnect does
// not leak entries, the timeout fires and rejects the waiter. Exactly
// one of reply and timeout wins; the loser finds the entry already
// removed and does nothing.
type Router struct {
	conns  ConnSource
	logger Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand // message id -> pending
}

// New creates a message router over the given connection source.
func New(conns ConnSource) *Router {
	return &Router{
		conns:   conns,
		pending: make(map[string]*pendingCommand),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// Send delivers a fire-and-forget event to one device. Returns false,
// without error, when the device is unknown, offline, or the write
// fails. Callers that need delivery guarantees use SendCommand.
func (r *Router) Send(deviceID, event string, payload any) bool {
	conn, ok := r.conns.Conn(deviceID)
	if !ok {
		return false
	}

	env := EventEnvelope{Event: event, Payload: payload, Timestamp: time.Now().UTC()}
	if err := conn.WriteJSON(env); err != nil {
		r.logger.Debug("event send failed", "device_id", deviceID, "event", event, "error", err)
		return false
	}
	return true
}

// SendCommand issues a command and waits for the matching reply or the
// timeout, whichever comes first. An offline device fails immediately
// with ErrDeviceOffline and never allocates a timer. The context
// cancels the wait but the command may still reach the device.
func (r *Router) SendCommand(ctx context.Context, deviceID, command string, params any, timeout time.Duration) (*CommandResult, error) {
	conn, ok := r.conns.Conn(deviceID)
	if !ok {
		return nil, ErrDeviceOffline
	}

	msgID := uuid.New().String()
	pc := &pendingCommand{
		deviceID: deviceID,
		issuedAt: time.Now().UTC(),
		ch:       make(chan *CommandResult, 1),
	}
	pc.timer = time.AfterFunc(timeout, func() {
		if r.remove(msgID) != nil {
			r.logger.Warn("command timed out", "device_id", deviceID, "command", command, "message_id", msgID)
			pc.ch <- nil
		}
	})

	r.mu.Lock()
	r.pending[msgID] = pc
	r.mu.Unlock()

	env := CommandEnvelope{
		Command:   command,
		Params:    params,
		MessageID: msgID,
		Timestamp: pc.issuedAt,
	}
	if err := conn.WriteJSON(env); err != nil {
		if r.remove(msgID) != nil {
			pc.timer.Stop()
		}
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	select {
	case res := <-pc.ch:
		if res == nil {
			return nil, ErrCommandTimeout
		}
		return res, nil
	case <-ctx.Done():
		if r.remove(msgID) != nil {
			pc.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// HandleReply resolves the pending command matching the message id.
// Replies with unknown or already-resolved ids are dropped silently:
// they are late arrivals racing a timeout, not errors.
func (r *Router) HandleReply(deviceID, messageID string, result *CommandResult) {
	pc := r.remove(messageID)
	if pc == nil {
		r.logger.Debug("unmatched command reply dropped", "device_id", deviceID, "message_id", messageID)
		return
	}
	pc.timer.Stop()

	result.DeviceID = deviceID
	result.MessageID = messageID
	pc.ch <- result
}

// SendToMany fans an event out to several devices and partitions the
// ids by delivery outcome. No reply is awaited.
func (r *Router) SendToMany(deviceIDs []string, event string, payload any) (succeeded, failed []string) {
	for _, id := range deviceIDs {
		if r.Send(id, event, payload) {
			succeeded = append(succeeded, id)
		} else {
			failed = append(failed, id)
		}
	}
	return succeeded, failed
}

// Broadcast sends an event to every online device and returns the
// delivery count.
func (r *Router) Broadcast(event string, payload any) int {
	sent := 0
	for _, d := range r.conns.ListOnline() {
		if r.Send(d.ID, event, payload) {
			sent++
		}
	}
	return sent
}

// PendingCount returns the number of commands awaiting replies.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// remove atomically takes a pending command out of the map. Exactly one
// caller per message id gets a non-nil result; that caller owns the
// resolution.
func (r *Router) remove(messageID string) *pendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	pc, ok := r.pending[messageID]
	if !ok {
		return nil
	}
	delete(r.pending, messageID)
	return pc
}
