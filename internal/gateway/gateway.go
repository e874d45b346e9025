package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgewild/fleetcore/internal/device"
	"github.com/edgewild/fleetcore/internal/infrastructure/config"
	"github.com/edgewild/fleetcore/internal/router"
)

// Inbound message types agents send over the gateway.
const (
	MsgRegister          = "register"
	MsgHeartbeat         = "heartbeat"
	MsgNetworkInfo       = "network_info"
	MsgSystemInfo        = "system_info"
	MsgCommandReply      = "command_reply"
	MsgOperationProgress = "operation_progress"
	MsgTaskResult        = "task_result"
)

// registerWait bounds how long a fresh connection may sit silent before
// sending its registration message.
const registerWait = 10 * time.Second

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

// TaskSink receives device-reported task outcomes. The orchestrator
// implements it.
type TaskSink interface {
	UpdateDeviceStatus(taskID, deviceID, status, errMsg string)
}

// EventSink receives device lifecycle events for external publication.
// The MQTT bridge implements it; nil disables.
type EventSink interface {
	DeviceOnline(d *device.Device)
	DeviceOffline(d *device.Device)
}

// Message is the envelope agents send. Payload decoding is per-type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// heartbeatPayload is the periodic liveness report.
type heartbeatPayload struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// commandReplyPayload correlates a reply with its command.
type commandReplyPayload struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// progressPayload is a step report from an in-flight upgrade/rollback.
type progressPayload struct {
	Type      string `json:"type"` // "upgrade" or "rollback"
	SessionID string `json:"session_id"`
	Step      string `json:"step"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// taskResultPayload is the terminal outcome of a per-device task run.
type taskResultPayload struct {
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"` // "success" or "failed"
	Error      string         `json:"error,omitempty"`
	Project    device.Project `json:"project,omitempty"`
	Version    string         `json:"version,omitempty"`
	DeployPath string         `json:"deploy_path,omitempty"`
	Rollback   bool           `json:"rollback"`
}

// Gateway accepts agent websocket connections and dispatches their
// traffic into the registry, monitor, syncer, router, and orchestrator.
type Gateway struct {
	cfg      config.WebSocketConfig
	registry *device.Registry
	monitor  *device.Monitor
	syncer   *device.Syncer
	router   *router.Router
	tasks    TaskSink
	events   EventSink
	logger   Logger

	opClearDelay time.Duration

	upgrader websocket.Upgrader
}

// New creates an agent gateway. opClearDelay is how long a finished
// operation stays readable on the device record. tasks and events are
// wired separately and may stay nil.
func New(cfg config.WebSocketConfig, registry *device.Registry, monitor *device.Monitor, syncer *device.Syncer, rt *router.Router, opClearDelay time.Duration) *Gateway {
	return &Gateway{
		cfg:          cfg,
		registry:     registry,
		monitor:      monitor,
		syncer:       syncer,
		router:       rt,
		opClearDelay: opClearDelay,
		logger:       noopLogger{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are not browsers; no origin to check.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// SetLogger sets the logger for the gateway.
func (g *Gateway) SetLogger(logger Logger) {
	g.logger = logger
}

// SetTaskSink wires device task results through to the orchestrator.
func (g *Gateway) SetTaskSink(sink TaskSink) {
	g.tasks = sink
}

// SetEventSink wires device lifecycle events to an external publisher.
func (g *Gateway) SetEventSink(sink EventSink) {
	g.events = sink
}

// HandleAgent upgrades the HTTP request and runs the agent session. The
// first message must be a registration; everything else is dispatched
// by type until the connection dies.
func (g *Gateway) HandleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("agent upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := newAgentConn(g, ws)

	// Registration handshake before the pumps start.
	ws.SetReadLimit(int64(g.cfg.MaxMessageSize))
	ws.SetReadDeadline(time.Now().Add(registerWait)) //nolint:errcheck // Best-effort deadline on handshake
	_, raw, err := ws.ReadMessage()
	if err != nil {
		g.logger.Debug("agent closed before registering", "remote", r.RemoteAddr)
		conn.Close() //nolint:errcheck // Already dead
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != MsgRegister {
		g.logger.Warn("agent sent invalid registration", "remote", r.RemoteAddr)
		conn.Close() //nolint:errcheck // Rejecting handshake
		return
	}

	var info device.Info
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		g.logger.Warn("agent registration payload malformed", "remote", r.RemoteAddr, "error", err)
		conn.Close() //nolint:errcheck // Rejecting handshake
		return
	}

	d, err := g.registry.Register(conn, info)
	if err != nil {
		g.logger.Warn("agent registration rejected", "device_id", info.DeviceID, "error", err)
		conn.Close() //nolint:errcheck // Rejecting handshake
		return
	}

	if g.events != nil {
		g.events.DeviceOnline(d)
	}

	go conn.writePump(g.cfg)
	go conn.readPump(g.cfg)
}

// dispatch routes one agent message. The device id is resolved from the
// connection, never trusted from the payload.
func (g *Gateway) dispatch(c *agentConn, raw []byte) {
	deviceID, ok := g.deviceFor(c.id)
	if !ok {
		// Superseded connection still draining; ignore.
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.logger.Debug("malformed agent message dropped", "device_id", deviceID)
		return
	}

	switch msg.Type {
	case MsgHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			g.monitor.RecordHeartbeat(deviceID, p.UptimeSeconds)
			g.syncer.MarkDirty(deviceID)
		}

	case MsgNetworkInfo:
		var p device.NetworkInfo
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			g.syncer.UpdateNetworkInfo(deviceID, p) //nolint:errcheck // Device may disappear mid-message
		}

	case MsgSystemInfo:
		var p device.SystemPatch
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			g.syncer.UpdateSystemInfo(deviceID, p) //nolint:errcheck // Device may disappear mid-message
		}

	case MsgCommandReply:
		var p commandReplyPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			g.router.HandleReply(deviceID, p.MessageID, &router.CommandResult{
				Success: p.Success,
				Data:    p.Data,
				Error:   p.Error,
			})
		}

	case MsgOperationProgress:
		g.handleProgress(deviceID, msg.Payload)

	case MsgTaskResult:
		g.handleTaskResult(deviceID, msg.Payload)

	default:
		g.logger.Debug("unknown agent message type", "device_id", deviceID, "type", msg.Type)
	}
}

func (g *Gateway) handleProgress(deviceID string, payload json.RawMessage) {
	var p progressPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	op := &device.Operation{
		Type:      p.Type,
		SessionID: p.SessionID,
		Step:      p.Step,
		Progress:  p.Progress,
		Message:   p.Message,
		Error:     p.Error,
	}
	if err := g.registry.SetOperation(deviceID, op); err != nil {
		return
	}

	// Terminal progress schedules the clear so observers can still read
	// the outcome for a while.
	if p.Error != "" || p.Progress >= 100 {
		g.registry.ClearOperationAfter(deviceID, p.SessionID, g.opClearDelay)
	}
}

func (g *Gateway) handleTaskResult(deviceID string, payload json.RawMessage) {
	var p taskResultPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	if p.Version != "" {
		g.syncer.RecordUpgrade(deviceID, device.UpgradeRecord{ //nolint:errcheck // Device may disappear mid-message
			Project:    p.Project,
			Version:    p.Version,
			DeployPath: p.DeployPath,
			DeployDate: time.Now().UTC(),
			Rollback:   p.Rollback,
			Success:    p.Status == "success",
		})
	}

	if g.tasks != nil && p.TaskID != "" {
		g.tasks.UpdateDeviceStatus(p.TaskID, deviceID, p.Status, p.Error)
	}
}

// handleDisconnect runs when an agent's read pump exits.
func (g *Gateway) handleDisconnect(connID string) {
	d := g.registry.Disconnect(connID)
	if d == nil {
		return
	}
	g.syncer.MarkDirty(d.ID)
	if g.events != nil {
		g.events.DeviceOffline(d)
	}
}

// deviceFor maps a connection id back to its device id.
func (g *Gateway) deviceFor(connID string) (string, bool) {
	return g.registry.DeviceForConn(connID)
}
