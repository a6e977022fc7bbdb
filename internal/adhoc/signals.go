package adhoc

import "time"

// SignalKind names a lifecycle transition published by the Store.
type SignalKind int

const (
	SignalEventCreated SignalKind = iota + 1
	SignalMemberAdded
	SignalMemberRemoved
	SignalEventFinalized
)

func (k SignalKind) String() string {
	switch k {
	case SignalEventCreated:
		return "event_created"
	case SignalMemberAdded:
		return "member_added"
	case SignalMemberRemoved:
		return "member_removed"
	case SignalEventFinalized:
		return "event_finalized"
	default:
		return "unknown"
	}
}

// Signal is consumed by the embed and notification layer.
// MemberID is empty for created/finalized.
type Signal struct {
	Kind      SignalKind
	BindingID string
	GameID    GameID
	GameName  string
	EventID   string
	MemberID  string
	At        time.Time
}
