package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrBadGreetingReply reports a method selection reply other than
	// version 5, no-auth.
	ErrBadGreetingReply = errors.New("unexpected greeting reply")
	// ErrShortReply reports a CONNECT reply too short to read a field from.
	ErrShortReply = errors.New("short connect reply")
	// ErrConnectFailed reports a CONNECT reply with a non-zero status.
	ErrConnectFailed = errors.New("connect failed")
)

var greeting = func() []byte {
	var buf bytes.Buffer
	_, _ = txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(&buf)
	return buf.Bytes()
}()

// Greeting returns the no-auth method selection request, 05 01 00. The same
// three bytes double as the VER CMD RSV prefix of a CONNECT request.
func Greeting() []byte {
	return bytes.Clone(greeting)
}

// CheckGreetingReply validates a method selection reply. It must be exactly
// two bytes: version 5 and the no-auth method.
func CheckGreetingReply(b []byte) error {
	if len(b) != 2 || b[0] != txsocks5.Ver || b[1] != txsocks5.MethodNone {
		return fmt.Errorf("%w: % x", ErrBadGreetingReply, b)
	}
	return nil
}

// CheckConnectReply validates the status byte of a CONNECT reply.
func CheckConnectReply(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: % x", ErrShortReply, b)
	}
	if b[1] != txsocks5.RepSuccess {
		return fmt.Errorf("%w: status 0x%02x (%s)", ErrConnectFailed, b[1], replyText(b[1]))
	}
	return nil
}

// ReplySize returns the full length of the CONNECT reply starting at b, as
// given by its ATYP. It returns ErrShortReply while b is too short to tell,
// and ErrUnknownAddrType for an ATYP it does not know.
func ReplySize(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, ErrShortReply
	}
	switch b[3] {
	case txsocks5.ATYPIPv4:
		return 4 + net.IPv4len + 2, nil
	case txsocks5.ATYPIPv6:
		return 4 + net.IPv6len + 2, nil
	case txsocks5.ATYPDomain:
		if len(b) < 5 {
			return 0, ErrShortReply
		}
		return 4 + 1 + int(b[4]) + 2, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x in reply", ErrUnknownAddrType, b[3])
	}
}

func replyText(rep byte) string {
	switch rep {
	case txsocks5.RepServerFailure:
		return "general server failure"
	case txsocks5.RepNotAllowed:
		return "not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return "unassigned"
	}
}
