package session

import "github.com/pion/webrtc/v4"

// ConnectionState is the combined lifecycle state of a PeerSession.
type ConnectionState int32

const (
	StateNew ConnectionState = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// canMove reports whether from → to is a legal transition.
// Closed is terminal and Failed only leads to Closed.
func canMove(from, to ConnectionState) bool {
	switch from {
	case StateNew:
		return to == StateNegotiating || to == StateFailed || to == StateClosed
	case StateNegotiating:
		return to == StateConnected || to == StateFailed || to == StateClosed
	case StateConnected:
		return to == StateFailed || to == StateClosed
	case StateFailed:
		return to == StateClosed
	}
	return false
}

// IceState is tracked next to ConnectionState and only feeds it on failure.
type IceState int32

const (
	IceNew IceState = iota
	IceChecking
	IceConnected
	IceFailed
	IceClosed
)

func (s IceState) String() string {
	switch s {
	case IceNew:
		return "new"
	case IceChecking:
		return "checking"
	case IceConnected:
		return "connected"
	case IceFailed:
		return "failed"
	case IceClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s IceState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// iceStateOf folds pion's ICE states into IceState. Disconnected is
// transient in pion and counts as checking until it fails.
func iceStateOf(s webrtc.ICEConnectionState) IceState {
	switch s {
	case webrtc.ICEConnectionStateChecking, webrtc.ICEConnectionStateDisconnected:
		return IceChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return IceConnected
	case webrtc.ICEConnectionStateFailed:
		return IceFailed
	case webrtc.ICEConnectionStateClosed:
		return IceClosed
	default:
		return IceNew
	}
}
