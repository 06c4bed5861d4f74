package wsrep

// Write set flags. A transaction accumulates flags while it executes
// and hands them to the provider on certification.
const (
	FlagStartTransaction = 1 << iota
	FlagCommit
	FlagRollback
	FlagIsolation
	FlagPaUnsafe
	FlagPrepare
)

func startsTransaction(flags int) bool {
	return flags&FlagStartTransaction != 0
}

func commitsTransaction(flags int) bool {
	return flags&FlagCommit != 0
}

func rollsBackTransaction(flags int) bool {
	return flags&FlagRollback != 0
}

func isToi(flags int) bool {
	return flags&FlagIsolation != 0
}

// Key is an opaque certification key part handed to the provider.
type Key []byte

// WsHandle pairs the transaction id with the provider side opaque
// write set handle.
type WsHandle struct {
	TrxID  TransactionID
	Opaque interface{}
}

func (h WsHandle) Undefined() bool {
	return h.TrxID.Undefined()
}

// WsMeta carries the ordering information the provider assigns to a
// certified write set.
type WsMeta struct {
	Gtid      GTID
	ServerID  ID
	ClientID  ClientID
	TrxID     TransactionID
	DependsOn Seqno
	Flags     int
}

func (m WsMeta) Seqno() Seqno {
	return m.Gtid.Seqno
}

// Ordered tells whether the write set has a position in the total
// order.
func (m WsMeta) Ordered() bool {
	return !m.Gtid.Seqno.Undefined()
}
