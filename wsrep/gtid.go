package wsrep

import (
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// Seqno is a global write set sequence number. Seqnos are totally
// ordered within one cluster UUID.
type Seqno int64

const SeqnoUndefined Seqno = -1

func (s Seqno) Undefined() bool {
	return s == SeqnoUndefined
}

// ID identifies a cluster or a cluster member. The canonical form is a
// UUID, but short textual identifiers are accepted as well and stored
// left aligned in the 16 byte buffer.
type ID [16]byte

var IDUndefined = ID{}

func NewID(s string) (ID, error) {
	if u, err := uuid.FromString(s); err == nil {
		return ID(u), nil
	}
	if len(s) > 0 && len(s) <= 16 {
		var id ID
		copy(id[:], s)
		return id, nil
	}
	return IDUndefined, fmt.Errorf("invalid id %q", s)
}

// RandomID returns a new random UUID based identifier.
func RandomID() ID {
	return ID(uuid.NewV4())
}

func (id ID) Undefined() bool {
	return id == IDUndefined
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// GTID is a global transaction identifier, a cluster UUID paired with
// a seqno.
type GTID struct {
	ID    ID
	Seqno Seqno
}

var GtidUndefined = GTID{ID: IDUndefined, Seqno: SeqnoUndefined}

func NewGTID(id ID, seqno Seqno) GTID {
	return GTID{ID: id, Seqno: seqno}
}

func (g GTID) Undefined() bool {
	return g.ID.Undefined() && g.Seqno.Undefined()
}

func (g GTID) String() string {
	return fmt.Sprintf("%v:%v", g.ID, g.Seqno)
}

// TransactionID identifies a transaction within its origin server.
type TransactionID int64

const TransactionIDUndefined TransactionID = -1

func (t TransactionID) Undefined() bool {
	return t == TransactionIDUndefined
}

// ClientID identifies a client session within one server.
type ClientID int64

const ClientIDUndefined ClientID = -1

func (c ClientID) Undefined() bool {
	return c == ClientIDUndefined
}
