// Package events bridges device and task lifecycle events onto the
// MQTT event bus. The bridge is optional; when MQTT is disabled the
// gateway and orchestrator run without an event sink.
package events
