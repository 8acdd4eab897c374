package socks5

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Request is a decoded CONNECT/BIND/UDP request.
type Request = txsocks5.Request

// ServerNegotiate reads a method selection request and answers it. With an
// empty auth it selects no-auth; otherwise it requires username/password.
func ServerNegotiate(rw io.ReadWriter, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username == "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
			_, _ = txsocks5.NewNegotiationReply(txsocks5.MethodUnsupportAll).WriteTo(rw)
			return errors.New("client does not offer no-auth")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
		_, _ = txsocks5.NewNegotiationReply(txsocks5.MethodUnsupportAll).WriteTo(rw)
		return errors.New("client does not offer username/password")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(rw); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return errors.New("username/password rejected")
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerReadRequest reads the request that follows negotiation.
func ServerReadRequest(r io.Reader) (*Request, error) {
	req, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// WriteSuccessReply writes a success reply with bound as BND.ADDR/BND.PORT.
func WriteSuccessReply(w io.Writer, bound net.Addr) error {
	atyp, addr, port, err := txsocks5.ParseAddress(bound.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bound.String(), err)
	}
	if atyp == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, atyp, addr, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a reply with status rep and a zero bound address.
func WriteFailureReply(w io.Writer, rep byte) error {
	_, err := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0}).WriteTo(w)
	return err
}

// WriteConnectionRefusedReply writes a "connection refused" reply.
func WriteConnectionRefusedReply(w io.Writer) error {
	return WriteFailureReply(w, txsocks5.RepConnectionRefused)
}
