package model

type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
	SessionStatusExpired SessionStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusEnded || s == SessionStatusExpired
}

type RemoteMode string

const (
	RemoteModeScan   RemoteMode = "scan"
	RemoteModeDamage RemoteMode = "damage"
)

// ParseRemoteMode returns false for anything other than scan or damage.
func ParseRemoteMode(s string) (RemoteMode, bool) {
	switch RemoteMode(s) {
	case RemoteModeScan, RemoteModeDamage:
		return RemoteMode(s), true
	}
	return "", false
}

type ScanContext string

const (
	ScanContextSearch ScanContext = "search"
	ScanContextBulk   ScanContext = "bulk"
)

// NormalizeScanContext maps anything but "bulk" to search.
func NormalizeScanContext(s string) ScanContext {
	if ScanContext(s) == ScanContextBulk {
		return ScanContextBulk
	}
	return ScanContextSearch
}

type EventSource string

const (
	EventSourceRemotePhone       EventSource = "remote_phone"
	EventSourceRemoteDamagePhoto EventSource = "remote_damage_photo"
)
