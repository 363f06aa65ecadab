package types

// ConnectionState is the reachability of the remote endpoint as seen by the
// network channel
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	TunnelUp
)

// String returns a human-readable string representation of the state
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case TunnelUp:
		return "tunnel_up"
	default:
		return "unknown"
	}
}

// IsConnected is true for Connected and TunnelUp
func (s ConnectionState) IsConnected() bool {
	return s == Connected || s == TunnelUp
}
