package events

import (
	"time"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/infrastructure/mqtt"
	"github.com/edgewild/fleetcore/internal/task"
)

// Device lifecycle event names published on the bus.
const (
	EventDeviceOnline  = "online"
	EventDeviceOffline = "offline"
)

// Publisher is the broker client the bridge publishes through.
// *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
	IsConnected() bool
}

// Logger abstracts structured logging for the events package.
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

// deviceEvent is the payload published on device lifecycle topics.
type deviceEvent struct {
	DeviceID     string    `json:"device_id"`
	Event        string    `json:"event"`
	Name         string    `json:"name,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// taskEvent is the payload published on task lifecycle topics.
type taskEvent struct {
	TaskID    string      `json:"task_id"`
	Event     string      `json:"event"`
	Type      task.Type   `json:"type"`
	Status    task.Status `json:"status"`
	Stats     task.Stats  `json:"stats"`
	Timestamp time.Time   `json:"timestamp"`
}

// Bridge publishes device and task lifecycle events to the MQTT bus.
//
// It is a fire-and-forget adapter: publish failures are logged and
// dropped so a flaky broker never stalls connection handling or task
// execution. External consumers subscribe with the wildcard patterns
// from the mqtt package.
type Bridge struct {
	pub    Publisher
	topics mqtt.Topics
	logger Logger
}

// NewBridge creates an event bridge over the given publisher.
func NewBridge(pub Publisher) *Bridge {
	return &Bridge{
		pub:    pub,
		logger: noopLogger{},
	}
}

// SetLogger replaces the no-op logger.
func (b *Bridge) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// DeviceOnline publishes a device connect event.
func (b *Bridge) DeviceOnline(d *device.Device) {
	b.publishDevice(EventDeviceOnline, d)
}

// DeviceOffline publishes a device disconnect event.
func (b *Bridge) DeviceOffline(d *device.Device) {
	b.publishDevice(EventDeviceOffline, d)
}

func (b *Bridge) publishDevice(event string, d *device.Device) {
	if d == nil || !b.pub.IsConnected() {
		return
	}

	payload := deviceEvent{
		DeviceID:     d.ID,
		Event:        event,
		Name:         d.Name,
		Platform:     d.Platform,
		AgentVersion: d.AgentVersion,
		Timestamp:    time.Now().UTC(),
	}

	topic := b.topics.DeviceEvent(d.ID, event)
	if err := b.pub.PublishJSON(topic, payload); err != nil {
		b.logger.Warn("device event publish failed",
			"topic", topic,
			"device_id", d.ID,
			"error", err,
		)
		return
	}

	b.logger.Debug("device event published", "topic", topic)
}

// TaskEvent publishes a task lifecycle event. The task is a snapshot
// taken by the orchestrator, so reading it here is race-free.
func (b *Bridge) TaskEvent(event string, t *task.BatchTask) {
	if t == nil || !b.pub.IsConnected() {
		return
	}

	payload := taskEvent{
		TaskID:    t.ID,
		Event:     event,
		Type:      t.Type,
		Status:    t.Status,
		Stats:     t.Stats,
		Timestamp: time.Now().UTC(),
	}

	topic := b.topics.TaskEvent(t.ID, event)
	if err := b.pub.PublishJSON(topic, payload); err != nil {
		b.logger.Warn("task event publish failed",
			"topic", topic,
			"task_id", t.ID,
			"error", err,
		)
		return
	}

	b.logger.Debug("task event published", "topic", topic)
}
