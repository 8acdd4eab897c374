// Package relay implements the per-connection relay between an encrypted
// client connection and a plaintext SOCKS5 downstream relay.
//
// A [Process] owns one client connection and the one downstream connection it
// dials. It decrypts the client stream, takes the destination from the first
// packet, runs a two-message SOCKS5 handshake against the downstream relay,
// and then forwards in both directions, encrypting what it sends back to the
// client. Client bytes that arrive before the handshake finishes are held
// and flushed, in order, once it does.
//
// All state changes happen on the goroutine running [Process.Run]. Socket
// reads and the downstream dial happen on helper goroutines that only deliver
// events to it. Lifecycle observers attach through [Hooks].
package relay
