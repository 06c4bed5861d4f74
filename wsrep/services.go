package wsrep

// ClientService is the DBMS side capability set consumed by a client
// state. The mutex of the owning client is never held across these
// calls.
type ClientService interface {
	Do2pc() bool
	IsAutocommit() bool

	// Rollback rolls back the current transaction in the DBMS and
	// drives BeforeRollback/AfterRollback on it. Called from the
	// owning thread on command boundaries and, in synchronous
	// rollback mode, from the aborter thread.
	Rollback()

	AppendFragment(meta WsMeta, flags int, data []byte) error
	RemoveFragments() error

	WillReplay()
	// Replay re-executes the prepared transaction through the
	// provider and returns the provider status.
	Replay() Status
	WaitForReplayers()

	PrepareDataForReplication() error
	PrepareFragmentForReplication() ([]byte, error)

	Killed() bool
	Abort()
	StoreGlobals()
	DebugSync(name string)
	DebugSuicide(name string)
	OnError(err ClientError)
}

// ServerService is the process wide capability set consumed by the
// server state.
type ServerService interface {
	// SstBeforeInit tells whether the state snapshot must be
	// received before the storage engine can be initialized.
	SstBeforeInit() bool

	// SstRequest prepares and returns the SST request string for
	// this node.
	SstRequest() string

	// StartSst starts donating a snapshot to a joiner.
	StartSst(request string, gtid GTID, bypass bool) error

	// StreamingApplierService creates a high priority service to
	// host fragments of one remote streaming transaction.
	StreamingApplierService() HighPriorityService
	ReleaseHighPriorityService(service HighPriorityService)
}

// HighPriorityService applies remote write sets. It must complete
// either commit or rollback of the hosted transaction before the apply
// call returns to the provider.
type HighPriorityService interface {
	StartTransaction(handle WsHandle, meta WsMeta) error
	ApplyWriteSet(meta WsMeta, data []byte) error
	AppendFragmentAndCommit(handle WsHandle, meta WsMeta, data []byte) error
	RemoveFragments(meta WsMeta) error
	Commit(handle WsHandle, meta WsMeta) error
	Rollback(handle WsHandle, meta WsMeta) error
	ApplyToi(meta WsMeta, data []byte) error
	AfterApply() error
	StoreGlobals()
}
