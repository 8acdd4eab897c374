package socks5

// Package socks5 holds the SOCKS5 pieces ssrelay needs, built on the protocol
// types in github.com/txthinking/socks5.
//
// The relay core speaks to the downstream relay with raw frames: Greeting,
// CheckGreetingReply, CheckConnectReply and ReplySize work on byte slices so
// they fit an event-driven caller that sees one read at a time. ParseAddr
// decodes the ATYP/ADDR/PORT header that starts every client stream.
//
// The blocking client and server helpers are used by the SOCKS5 upstream
// dialer and by test peers standing in for a downstream relay.
