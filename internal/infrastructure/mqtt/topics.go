package mqtt

import "fmt"

// Topic prefixes for the fleet event bus.
//
// All outbound topics use the scheme: fleetcore/events/{entity}/{id}/{event}
// plus a retained system status topic for broker-side liveness.
const (
	// TopicPrefix is the base for all Fleetcore topics.
	TopicPrefix = "fleetcore"

	// TopicPrefixEvents is the base for fleet event topics.
	TopicPrefixEvents = "fleetcore/events"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "fleetcore/system"
)

// Topics provides builders for Fleetcore MQTT topics. Using these
// helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// SystemStatus returns the retained service liveness topic.
// The LWT is published here on unexpected disconnect.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// DeviceEvent returns the topic for a device lifecycle event.
//
//	Topics{}.DeviceEvent("kiosk-042", "online")
//	// Returns: "fleetcore/events/device/kiosk-042/online"
func (Topics) DeviceEvent(deviceID, event string) string {
	return fmt.Sprintf("%s/device/%s/%s", TopicPrefixEvents, deviceID, event)
}

// TaskEvent returns the topic for a task lifecycle event.
//
//	Topics{}.TaskEvent("3f9d...", "completed")
//	// Returns: "fleetcore/events/task/3f9d.../completed"
func (Topics) TaskEvent(taskID, event string) string {
	return fmt.Sprintf("%s/task/%s/%s", TopicPrefixEvents, taskID, event)
}

// AllDeviceEvents returns a wildcard pattern matching every device event.
// Useful for external consumers, not used by the service itself.
func (Topics) AllDeviceEvents() string {
	return TopicPrefixEvents + "/device/+/+"
}

// AllTaskEvents returns a wildcard pattern matching every task event.
func (Topics) AllTaskEvents() string {
	return TopicPrefixEvents + "/task/+/+"
}
