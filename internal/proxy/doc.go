// Package proxy implements the listener side of ssrelay.
//
// It accepts client connections, runs one relay.Process per connection, and
// wires each process's hooks to logging, metrics, the live connection
// tracker, and a negotiation watchdog.
package proxy
