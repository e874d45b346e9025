// Package gateway is the websocket front door for fleet agents. Each
// device holds one persistent connection through which it registers,
// heartbeats, reports state, and receives commands. The gateway owns
// the read/write pumps and routes inbound messages to the registry,
// heartbeat monitor, state sync engine, message router, and task
// orchestrator.
package gateway
