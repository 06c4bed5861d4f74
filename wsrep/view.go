package wsrep

type ViewStatus int32

const (
	ViewPrimary ViewStatus = iota
	ViewNonPrimary
	ViewDisconnected
)

func (s ViewStatus) String() string {
	switch s {
	case ViewPrimary:
		return "primary"
	case ViewNonPrimary:
		return "non-primary"
	case ViewDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type Member struct {
	ID       ID
	Name     string
	Incoming string
}

// View describes one cluster configuration as delivered by the
// provider. Views are value objects and are installed atomically.
type View struct {
	StateID   GTID
	ViewSeqno Seqno
	Status    ViewStatus
	OwnIndex  int
	Protocol  int
	Members   []Member
}

// MemberIndex returns the index of the member with the given id, or -1
// if the id is not part of the view.
func (v View) MemberIndex(id ID) int {
	for i, m := range v.Members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (v View) Final() bool {
	return v.Status == ViewDisconnected
}
