package dialer

// Package dialer provides the outbound dialers ssrelay uses to reach its
// downstream SOCKS5 relay.
//
// The relay is reached directly by default, or through an HTTP CONNECT or
// SOCKS5 proxy selected with a --via URL. The direct dialer can resolve names
// against a specific DNS server instead of the system resolver.
