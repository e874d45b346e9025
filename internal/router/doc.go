// Package router delivers messages to fleet devices over their live
// connections. It offers fire-and-forget events, fan-out, broadcast,
// and request/reply commands correlated by message id with a bounded
// per-command timeout.
package router
