package relay

import "time"

// Hooks observe a Process. They run on the process's event loop, so they
// must not block; a hook may call Process.Close. Nil fields are skipped. All
// hooks are dropped once Close has fired.
type Hooks struct {
	// FirstTraffic fires once, on the first downstream payload after the
	// handshake, with the time since the process was created.
	FirstTraffic func(elapsed time.Duration)

	// HandshakeComplete fires when the downstream relay accepts CONNECT.
	HandshakeComplete func()

	// DownstreamData sees each downstream payload before it is encrypted.
	// p is only valid during the call.
	DownstreamData func(p []byte)

	// ClientData sees each decrypted client packet. The first one carries
	// the greeting bytes prepended to it.
	ClientData func(p []byte)

	// Error reports the error that is about to tear the process down.
	Error func(err error)

	// Close fires once, after both connections are closed.
	Close func()
}
