package wsrep

import (
	"sync"

	"github.com/petermattis/goid"
	log "github.com/sirupsen/logrus"
)

type ClientMode int32

const (
	ModeLocal ClientMode = iota
	ModeReplicating
	ModeHighPriority
	ModeToi

	numClientMode = int(ModeToi) + 1
)

func (m ClientMode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeReplicating:
		return "replicating"
	case ModeHighPriority:
		return "high-priority"
	case ModeToi:
		return "toi"
	}
	return "unknown"
}

type ClientStatus int32

const (
	ClientNone ClientStatus = iota
	ClientIdle
	ClientExec
	ClientResult
	ClientQuitting

	numClientStatus = int(ClientQuitting) + 1
)

func (s ClientStatus) String() string {
	switch s {
	case ClientNone:
		return "none"
	case ClientIdle:
		return "idle"
	case ClientExec:
		return "exec"
	case ClientResult:
		return "result"
	case ClientQuitting:
		return "quitting"
	}
	return "unknown"
}

// AfterStatementResult tells the caller how to proceed after a
// statement has been fully processed.
type AfterStatementResult int32

const (
	AsrSuccess AfterStatementResult = iota
	AsrMayRetry
	AsrError
)

var allowedClientStatus = [numClientStatus][numClientStatus]bool{
	/* none     */ {false, true, false, false, false},
	/* idle     */ {false, false, true, false, true},
	/* exec     */ {false, false, false, true, false},
	/* result   */ {false, true, false, false, false},
	/* quitting */ {true, false, false, false, false},
}

var allowedClientMode = [numClientMode][numClientMode]bool{
	/* local         */ {false, false, false, false},
	/* replicating   */ {false, false, true, true},
	/* high-priority */ {false, true, false, true},
	/* toi           */ {false, true, true, false},
}

// ClientState is the per session perimeter. All mutating operations
// must be called from the owning thread, except BfAbort on the
// transaction which may arrive from any thread.
type ClientState struct {
	mu   sync.Mutex
	cond *sync.Cond

	server  *ServerState
	service ClientService

	id            ClientID
	mode          ClientMode
	toiMode       ClientMode
	toiMeta       WsMeta
	status        ClientStatus
	owningThread  int64
	currentThread int64
	currentError  ClientError

	txn *Transaction
}

func NewClientState(server *ServerState, service ClientService, mode ClientMode) *ClientState {
	c := &ClientState{
		server:  server,
		service: service,
		id:      ClientIDUndefined,
		mode:    mode,
		toiMode: ModeLocal,
		status:  ClientNone,
	}
	c.cond = sync.NewCond(&c.mu)
	c.txn = newTransaction(c)
	return c
}

func (c *ClientState) ID() ClientID {
	return c.id
}

func (c *ClientState) Mode() ClientMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *ClientState) State() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ClientState) Transaction() *Transaction {
	return c.txn
}

func (c *ClientState) Server() *ServerState {
	return c.server
}

func (c *ClientState) CurrentError() ClientError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentError
}

func (c *ClientState) ToiMeta() WsMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toiMeta
}

func (c *ClientState) provider() Provider {
	return c.server.Provider()
}

// Open transitions the session from none to idle and records the
// owning thread.
func (c *ClientState) Open(id ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("open: enter")
	c.owningThread = goid.Get()
	c.currentThread = c.owningThread
	c.setStatusLocked(ClientIdle)
	c.id = id
	c.debugLogState("open: leave")
}

// Close starts session teardown. An active transaction is rolled back
// through the client service.
func (c *ClientState) Close() {
	c.mu.Lock()
	c.debugLogState("close: enter")
	c.setStatusLocked(ClientQuitting)
	active := c.txn.activeLocked()
	c.mu.Unlock()
	if active {
		c.service.Rollback()
	}
	c.debugLogState("close: leave")
}

func (c *ClientState) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("cleanup: enter")
	c.setStatusLocked(ClientNone)
	c.debugLogState("cleanup: leave")
}

// OverrideError replaces the current error. Overriding a pending
// error with success is a programming error.
func (c *ClientState) OverrideError(err ClientError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrideErrorLocked(err)
}

func (c *ClientState) overrideErrorLocked(err ClientError) {
	if c.currentError != ESuccess && err == ESuccess {
		log.Panicf("client %v: overriding error %v with success",
			c.id, c.currentError)
	}
	c.currentError = err
}

func (c *ClientState) resetErrorLocked() {
	c.currentError = ESuccess
}

// BeforeCommand marks the start of command processing. Returns
// non zero if the current transaction was brute force aborted and the
// command must fail with the pending error.
func (c *ClientState) BeforeCommand() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("before_command: enter")
	c.assertStatusLocked(ClientIdle)
	if c.server.RollbackMode() == RollbackModeSync {
		c.waitForSyncRollback()
	}
	c.setStatusLocked(ClientExec)
	if c.txn.activeLocked() {
		switch c.txn.stateLocked() {
		case TxnMustAbort:
			if c.server.RollbackMode() != RollbackModeAsync {
				log.Panicf("client %v: must_abort in before_command in "+
					"sync rollback mode", c.id)
			}
			c.overrideErrorLocked(EDeadlockError)
			c.mu.Unlock()
			c.service.Rollback()
			c.txn.AfterStatement()
			c.mu.Lock()
			c.assertTxnAbortedLocked()
			c.debugLogState("before_command: error")
			return 1
		case TxnAborted:
			// rolled back in background after the previous command
			c.overrideErrorLocked(EDeadlockError)
			c.mu.Unlock()
			c.txn.AfterStatement()
			c.mu.Lock()
			c.debugLogState("before_command: error")
			return 1
		}
	}
	c.debugLogState("before_command: success")
	return 0
}

// AfterCommandBeforeResult runs just before the result is returned to
// the DBMS client. A brute force abort that arrived during the
// command is resolved here.
func (c *ClientState) AfterCommandBeforeResult() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("after_command_before_result: enter")
	c.assertStatusLocked(ClientExec)
	if c.txn.activeLocked() && c.txn.stateLocked() == TxnMustAbort {
		c.overrideErrorLocked(EDeadlockError)
		c.mu.Unlock()
		c.service.Rollback()
		c.txn.AfterStatement()
		c.mu.Lock()
		c.assertTxnAbortedLocked()
	}
	c.setStatusLocked(ClientResult)
	c.debugLogState("after_command_before_result: leave")
}

// AfterCommandAfterResult runs once the result has been sent. The
// cached error is cleared if no transaction is pending anymore.
func (c *ClientState) AfterCommandAfterResult() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("after_command_after_result: enter")
	c.assertStatusLocked(ClientResult)
	if c.txn.activeLocked() && c.txn.stateLocked() == TxnMustAbort {
		c.mu.Unlock()
		c.service.Rollback()
		c.mu.Lock()
		if c.txn.stateLocked() != TxnAborted {
			log.Panicf("client %v: transaction in state %v after rollback",
				c.id, c.txn.stateLocked())
		}
		c.overrideErrorLocked(EDeadlockError)
	} else if !c.txn.activeLocked() {
		c.resetErrorLocked()
	}
	c.setStatusLocked(ClientIdle)
	c.debugLogState("after_command_after_result: leave")
}

// BeforeStatement returns non zero if the statement must not start
// because the transaction has been marked for abort. Rollback and
// cleanup happen on the following command boundary.
func (c *ClientState) BeforeStatement() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugLogState("before_statement: enter")
	// Reserved extension point: a timed wait for server synced state
	// would gate dirty reads here.
	if c.txn.activeLocked() && c.txn.stateLocked() == TxnMustAbort {
		c.debugLogState("before_statement: error")
		return 1
	}
	c.debugLogState("before_statement: success")
	return 0
}

// AfterStatement processes the statement epilogue and maps the
// pending error to the retry decision.
func (c *ClientState) AfterStatement() AfterStatementResult {
	c.debugLogState("after_statement: enter")
	c.mu.Lock()
	c.assertStatusLocked(ClientExec)
	c.mu.Unlock()
	c.txn.AfterStatement()
	autocommit := c.service.IsAutocommit()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentError == EDeadlockError {
		if c.mode == ModeReplicating && autocommit {
			c.debugLogState("after_statement: may_retry")
			return AsrMayRetry
		}
		c.debugLogState("after_statement: error")
		return AsrError
	}
	c.debugLogState("after_statement: success")
	return AsrSuccess
}

// EnableStreaming turns on streaming replication for the session.
// Changing the fragment unit of an active streaming transaction is
// rejected.
func (c *ClientState) EnableStreaming(unit FragmentUnit, size int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeReplicating {
		log.Panicf("client %v: enable streaming in mode %v", c.id, c.mode)
	}
	if c.txn.activeLocked() && c.txn.streaming.Enabled() &&
		c.txn.streaming.Unit() != unit {
		log.Errorf("client %v: changing fragment unit for active "+
			"transaction not allowed", c.id)
		return 1
	}
	c.txn.streaming.Enable(unit, size)
	return 0
}

// EnterToi puts a replicating session into total order isolation. The
// keys and the write set are certified by the provider.
func (c *ClientState) EnterToi(keys []Key, data []byte, flags int) int {
	c.mu.Lock()
	if c.status != ClientExec {
		log.Panicf("client %v: enter_toi in state %v", c.id, c.status)
	}
	if c.mode != ModeReplicating {
		log.Panicf("client %v: enter_toi in mode %v", c.id, c.mode)
	}
	c.mu.Unlock()

	var meta WsMeta
	st := c.provider().EnterToi(c.id, keys, data, &meta, flags|FlagIsolation)

	c.mu.Lock()
	defer c.mu.Unlock()
	if st != StatusSuccess {
		c.overrideErrorLocked(EErrorDuringCommit)
		return 1
	}
	c.toiMode = c.mode
	c.setModeLocked(ModeToi)
	c.toiMeta = meta
	return 0
}

// EnterToiApplier puts a high priority session into total order
// isolation with the ordering already established by the origin.
func (c *ClientState) EnterToiApplier(meta WsMeta) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeHighPriority {
		log.Panicf("client %v: enter_toi applier in mode %v", c.id, c.mode)
	}
	c.toiMode = c.mode
	c.setModeLocked(ModeToi)
	c.toiMeta = meta
	return 0
}

// LeaveToi ends the total order isolation section and restores the
// prior mode.
func (c *ClientState) LeaveToi() int {
	ret := 0
	c.mu.Lock()
	toiMode := c.toiMode
	c.mu.Unlock()
	if toiMode == ModeReplicating {
		if st := c.provider().LeaveToi(c.id); st != StatusSuccess {
			log.Errorf("client %v: leave_toi failed: %v", c.id, st)
			c.mu.Lock()
			c.overrideErrorLocked(EErrorDuringCommit)
			c.mu.Unlock()
			ret = 1
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setModeLocked(c.toiMode)
	c.toiMode = ModeLocal
	c.toiMeta = WsMeta{}
	return ret
}

// waitForSyncRollback is an extension point: in synchronous rollback
// mode the rollback may still be running on the aborter thread when
// the next command arrives.
func (c *ClientState) waitForSyncRollback() {
	for c.txn.stateLocked() == TxnAborting {
		c.cond.Wait()
	}
}

func (c *ClientState) setStatusLocked(status ClientStatus) {
	if goid.Get() != c.owningThread && c.status != ClientNone {
		log.Panicf("client %v: state change from non-owning thread", c.id)
	}
	if !allowedClientStatus[c.status][status] {
		log.Panicf("client %v: unallowed state transition: %v -> %v",
			c.id, c.status, status)
	}
	c.status = status
}

func (c *ClientState) setModeLocked(mode ClientMode) {
	if !allowedClientMode[c.mode][mode] {
		log.Panicf("client %v: unallowed mode transition: %v -> %v",
			c.id, c.mode, mode)
	}
	c.mode = mode
}

func (c *ClientState) assertStatusLocked(status ClientStatus) {
	if c.status != status {
		log.Panicf("client %v: expected state %v, have %v",
			c.id, status, c.status)
	}
}

func (c *ClientState) assertTxnAbortedLocked() {
	if c.txn.activeLocked() {
		log.Panicf("client %v: transaction still active after rollback, "+
			"state %v", c.id, c.txn.stateLocked())
	}
}

func (c *ClientState) debugLogState(context string) {
	if c.server.DebugLogLevel() >= 1 {
		log.Debugf("client_state: %v: server: %v client: %v state: %v "+
			"mode: %v current_error: %v",
			context, c.server.Name(), c.id, c.status, c.mode, c.currentError)
	}
}
