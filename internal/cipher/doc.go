// Package cipher implements the shadowsocks stream ciphers spoken by ssrelay
// clients.
//
// A [Cipher] holds the method and the key derived from the shared password.
// Each client connection gets its own [Transform], which carries the
// per-direction IV and keystream position. The first bytes the transform
// encrypts are prefixed with a random IV, and the first bytes it decrypts are
// expected to start with the peer's IV.
package cipher
