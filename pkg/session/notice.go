package session

import "fmt"

type NoticeKind uint8

const (
	NoticeConnected NoticeKind = iota
	NoticeReconnecting
	NoticeReconnected
	NoticeFailed
	NoticeRollback
	NoticeClosed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnected:
		return "connected"
	case NoticeReconnecting:
		return "reconnecting"
	case NoticeReconnected:
		return "reconnected"
	case NoticeFailed:
		return "failed"
	case NoticeRollback:
		return "rollback"
	case NoticeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Notice tells observers (usually the UI) that something about the session
// changed.
type Notice struct {
	Kind NoticeKind
	// Close code for reconnecting and closed notices
	Code    int
	Message string
}

func (n Notice) String() string {
	if n.Code != 0 {
		return fmt.Sprintf("%s (%d)", n.Kind, n.Code)
	}
	return n.Kind.String()
}
