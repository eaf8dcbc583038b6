package protocol

// Version identifies a client generation. Older clients listen for different
// event names for the same logical message.
type Version int

const (
	// VersionUnknown clients did not declare a version and receive every name of a kind.
	VersionUnknown Version = iota
	VersionLegacy
	VersionCurrent
)

// Valid reports whether v is a version the relay knows.
func (v Version) Valid() bool {
	return v >= VersionUnknown && v <= VersionCurrent
}

// Kind is a logical outbound event that may be named differently per client generation.
type Kind string

const (
	KindPrivateMessage Kind = "private_message"
	KindPageMessage    Kind = "page_message"
	KindGroupMessage   Kind = "group_message"
)

type kindNames struct {
	legacy  string
	current string
}

var compatNames = map[Kind]kindNames{
	KindPrivateMessage: {legacy: EventPrivateMsg, current: EventNewMessage},
	KindPageMessage:    {legacy: EventPageMsg, current: EventPrivateMessagePage},
	KindGroupMessage:   {legacy: EventGroupMsg, current: EventGroupMsg},
}

// Names returns the event names a client of version v expects for kind.
// Each name is emitted once, so a client never sees the same name twice for one delivery.
func Names(kind Kind, v Version) []string {
	n, ok := compatNames[kind]
	if !ok {
		return []string{string(kind)}
	}
	switch v {
	case VersionLegacy:
		return []string{n.legacy}
	case VersionCurrent:
		return []string{n.current}
	}
	if n.legacy == n.current {
		return []string{n.legacy}
	}
	return []string{n.legacy, n.current}
}

// KindForEvent maps any known event name back to its logical kind.
func KindForEvent(event string) (Kind, bool) {
	for k, n := range compatNames {
		if event == n.legacy || event == n.current {
			return k, true
		}
	}
	return "", false
}
