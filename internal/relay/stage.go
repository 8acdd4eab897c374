package relay

// Stage is the downstream handshake progress. It only moves forward.
type Stage int32

const (
	// StageAwaitingGreetingAck waits for the method selection reply to the
	// greeting sent on connect.
	StageAwaitingGreetingAck Stage = iota
	// StageAwaitingConnectReply waits for the CONNECT reply.
	StageAwaitingConnectReply
	// StageForwarding relays payload in both directions.
	StageForwarding
)

func (s Stage) String() string {
	switch s {
	case StageAwaitingGreetingAck:
		return "awaiting-greeting-ack"
	case StageAwaitingConnectReply:
		return "awaiting-connect-reply"
	case StageForwarding:
		return "forwarding"
	default:
		return "unknown"
	}
}
