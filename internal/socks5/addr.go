package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrUnknownAddrType reports an ATYP byte other than IPv4, domain or IPv6.
	ErrUnknownAddrType = errors.New("unknown address type")
	// ErrShortAddr reports input that ends before the address and port do.
	ErrShortAddr = errors.New("short address")
	// ErrInvalidPort reports a zero destination port.
	ErrInvalidPort = errors.New("invalid port")
)

// Addr is a decoded SOCKS5 address header.
type Addr struct {
	Type byte
	Host string
	// EncodedLen is the size of the ADDR field on the wire, including the
	// length prefix of a domain name.
	EncodedLen int
	Port       int
}

// Len returns the size of the full ATYP ADDR PORT header.
func (a Addr) Len() int {
	return 1 + a.EncodedLen + 2
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddr decodes the ATYP ADDR PORT header at the start of b. Bytes after
// the header are ignored.
func ParseAddr(b []byte) (Addr, error) {
	if len(b) < 1 {
		return Addr{}, ErrShortAddr
	}

	a := Addr{Type: b[0]}
	switch a.Type {
	case txsocks5.ATYPIPv4:
		a.EncodedLen = net.IPv4len
	case txsocks5.ATYPIPv6:
		a.EncodedLen = net.IPv6len
	case txsocks5.ATYPDomain:
		if len(b) < 2 {
			return Addr{}, ErrShortAddr
		}
		a.EncodedLen = 1 + int(b[1])
	default:
		return Addr{}, fmt.Errorf("%w: 0x%02x", ErrUnknownAddrType, a.Type)
	}

	if len(b) < a.Len() {
		return Addr{}, fmt.Errorf("%w: have %d bytes, need %d", ErrShortAddr, len(b), a.Len())
	}

	raw := b[1 : 1+a.EncodedLen]
	switch a.Type {
	case txsocks5.ATYPDomain:
		a.Host = string(raw[1:])
		if a.Host == "" {
			return Addr{}, fmt.Errorf("%w: empty domain", ErrShortAddr)
		}
	default:
		a.Host = net.IP(raw).String()
	}

	a.Port = int(binary.BigEndian.Uint16(b[1+a.EncodedLen:]))
	if a.Port == 0 {
		return Addr{}, ErrInvalidPort
	}
	return a, nil
}
