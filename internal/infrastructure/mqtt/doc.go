// Package mqtt is the outbound fleet event publisher. It wraps
// paho.mqtt.golang with connection management, auto-reconnect, Last
// Will and Testament liveness, and topic builders for the
// fleetcore/events hierarchy. External consumers (admin UIs, alerting)
// subscribe to the broker; this service only publishes.
package mqtt
