package wsrep

import (
	log "github.com/sirupsen/logrus"
)

type TxnStatus int32

const (
	TxnExecuting TxnStatus = iota
	TxnPreparing
	TxnCertifying
	TxnCommitting
	TxnOrderedCommit
	TxnCommitted
	TxnCertFailed
	TxnMustAbort
	TxnAborting
	TxnAborted
	TxnMustReplay
	TxnReplaying

	numTxnStatus = int(TxnReplaying) + 1
)

func (s TxnStatus) String() string {
	switch s {
	case TxnExecuting:
		return "executing"
	case TxnPreparing:
		return "preparing"
	case TxnCertifying:
		return "certifying"
	case TxnCommitting:
		return "committing"
	case TxnOrderedCommit:
		return "ordered_commit"
	case TxnCommitted:
		return "committed"
	case TxnCertFailed:
		return "cert_failed"
	case TxnMustAbort:
		return "must_abort"
	case TxnAborting:
		return "aborting"
	case TxnAborted:
		return "aborted"
	case TxnMustReplay:
		return "must_replay"
	case TxnReplaying:
		return "replaying"
	}
	return "unknown"
}

var allowedTxnStatus = func() [numTxnStatus][numTxnStatus]bool {
	var m [numTxnStatus][numTxnStatus]bool
	allow := func(from TxnStatus, to ...TxnStatus) {
		for _, t := range to {
			m[from][t] = true
		}
	}
	allow(TxnExecuting, TxnPreparing, TxnCertifying, TxnMustAbort, TxnAborting)
	allow(TxnPreparing, TxnCertifying, TxnMustAbort, TxnAborting)
	allow(TxnCertifying, TxnCommitting, TxnCertFailed, TxnMustAbort,
		TxnMustReplay, TxnAborting)
	allow(TxnCommitting, TxnOrderedCommit, TxnMustAbort, TxnMustReplay)
	allow(TxnOrderedCommit, TxnCommitted)
	allow(TxnCertFailed, TxnAborting)
	allow(TxnMustAbort, TxnAborting, TxnMustReplay, TxnOrderedCommit,
		TxnCertFailed)
	allow(TxnAborting, TxnAborted)
	allow(TxnMustReplay, TxnReplaying)
	allow(TxnReplaying, TxnCommitted, TxnAborted)
	return m
}()

// Transaction drives the write set lifecycle of one client session
// against the provider. It shares the mutex of its owning client
// state; the mutex is released across provider and service calls and
// the state is re-checked on every re-entry.
type Transaction struct {
	client *ClientState

	id        TransactionID
	state     TxnStatus
	wsHandle  WsHandle
	wsMeta    WsMeta
	flags     int
	data      []byte
	certified bool
	paUnsafe  bool
	bfSeqno   Seqno

	streaming StreamingContext
}

func newTransaction(client *ClientState) *Transaction {
	t := &Transaction{client: client}
	t.resetLocked()
	return t
}

func (t *Transaction) resetLocked() {
	t.cleanupLocked()
	t.state = TxnExecuting
}

// cleanupLocked releases everything the transaction owned but leaves
// the terminal state readable until the next Start.
func (t *Transaction) cleanupLocked() {
	t.id = TransactionIDUndefined
	t.wsHandle = WsHandle{TrxID: TransactionIDUndefined}
	t.wsMeta = WsMeta{
		Gtid:      GtidUndefined,
		ClientID:  ClientIDUndefined,
		TrxID:     TransactionIDUndefined,
		DependsOn: SeqnoUndefined,
	}
	t.flags = 0
	t.data = nil
	t.certified = false
	t.paUnsafe = false
	t.bfSeqno = SeqnoUndefined
	t.streaming.cleanup()
}

func (t *Transaction) ID() TransactionID {
	return t.id
}

func (t *Transaction) State() TxnStatus {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.state
}

func (t *Transaction) stateLocked() TxnStatus {
	return t.state
}

func (t *Transaction) WsMeta() WsMeta {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.wsMeta
}

func (t *Transaction) WsHandle() WsHandle {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.wsHandle
}

func (t *Transaction) Flags() int {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.flags
}

func (t *Transaction) Certified() bool {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.certified
}

func (t *Transaction) Streaming() *StreamingContext {
	return &t.streaming
}

// MarkPaUnsafe excludes the write set from parallel applying.
func (t *Transaction) MarkPaUnsafe() {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	t.paUnsafe = true
}

func (t *Transaction) PaUnsafe() bool {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.paUnsafe
}

// Active tells whether the transaction still owns resources that must
// be resolved through commit, rollback or cleanup.
func (t *Transaction) Active() bool {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.activeLocked()
}

func (t *Transaction) activeLocked() bool {
	return !t.id.Undefined()
}

func (t *Transaction) setStateLocked(state TxnStatus) {
	if !allowedTxnStatus[t.state][state] {
		log.Panicf("transaction %v: unallowed state transition: %v -> %v",
			t.id, t.state, state)
	}
	log.Debugf("transaction %v: state %v -> %v", t.id, t.state, state)
	t.state = state
	if state == TxnAborted || state == TxnCommitted {
		t.client.cond.Broadcast()
	}
}

// Start begins a new local transaction.
func (t *Transaction) Start(id TransactionID) int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.activeLocked() {
		log.Panicf("client %v: starting transaction %v while %v is active",
			c.id, id, t.id)
	}
	t.resetLocked()
	t.id = id
	t.state = TxnExecuting
	t.wsHandle = WsHandle{TrxID: id}
	t.flags = FlagStartTransaction
	return 0
}

// StartApplying attaches the transaction of a high priority session to
// a remote write set whose ordering is already established.
func (t *Transaction) StartApplying(handle WsHandle, meta WsMeta) int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.activeLocked() {
		log.Panicf("client %v: applying %v while %v is active",
			c.id, meta.TrxID, t.id)
	}
	t.resetLocked()
	t.id = meta.TrxID
	t.state = TxnExecuting
	t.wsHandle = handle
	t.wsMeta = meta
	t.certified = true
	return 0
}

// AppendData adds replication data to the write set. For streaming
// transactions with the bytes fragment unit this may trip the
// fragment threshold and replicate one or more fragments.
func (t *Transaction) AppendData(data []byte) int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.state != TxnExecuting {
		return 1
	}
	t.data = append(t.data, data...)
	t.streaming.count(FragmentBytes, len(data))
	return t.checkFragmentsLocked()
}

// AfterRow is called by the DBMS after every modified row.
func (t *Transaction) AfterRow() int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.state != TxnExecuting {
		return 1
	}
	t.streaming.count(FragmentRows, 1)
	return t.checkFragmentsLocked()
}

// Data returns the replication data accumulated so far.
func (t *Transaction) Data() []byte {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Transaction) checkFragmentsLocked() int {
	for t.state == TxnExecuting && t.streaming.fragmentDue() {
		if ret := t.certifyFragmentLocked(); ret != 0 {
			return ret
		}
	}
	return 0
}

// certifyFragmentLocked replicates one fragment of a streaming
// transaction. Entered and left with the client mutex held.
func (t *Transaction) certifyFragmentLocked() int {
	c := t.client
	t.streaming.consumeFragment()
	flags := t.flags &^ FlagCommit
	if t.paUnsafe {
		flags |= FlagPaUnsafe
	}
	firstFragment := t.streaming.FragmentsSent() == 0

	c.mu.Unlock()
	buf, err := c.service.PrepareFragmentForReplication()
	if err != nil {
		log.Warnf("client %v: preparing fragment failed: %v", c.id, err)
		c.mu.Lock()
		c.overrideErrorLocked(EErrorDuringCommit)
		if t.state == TxnExecuting {
			t.setStateLocked(TxnMustAbort)
		}
		return 1
	}
	var meta WsMeta
	st := c.provider().Certify(c.id, &t.wsHandle, flags, &meta)
	c.mu.Lock()
	if t.state == TxnMustAbort {
		c.overrideErrorLocked(EDeadlockError)
		return 1
	}
	if st != StatusSuccess {
		log.Warnf("client %v: fragment certification failed: %v", c.id, st)
		c.overrideErrorLocked(EDeadlockError)
		t.setStateLocked(TxnMustAbort)
		return 1
	}

	c.mu.Unlock()
	if firstFragment {
		c.server.StartStreamingClient(c)
	}
	appendErr := c.service.AppendFragment(meta, flags, buf)
	c.mu.Lock()
	if appendErr != nil {
		c.overrideErrorLocked(EAppendFragmentError)
		if t.state == TxnExecuting {
			t.setStateLocked(TxnMustAbort)
		}
		return 1
	}
	// the commit time ordering is established by the commit fragment,
	// so the transaction meta is left untouched here
	t.certified = true
	t.streaming.storedFragment(meta.Gtid.Seqno)
	t.flags &^= FlagStartTransaction
	return 0
}

// BeforePrepare starts the prepare phase of a two phase commit.
func (t *Transaction) BeforePrepare() int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.state {
	case TxnMustAbort:
		c.overrideErrorLocked(EDeadlockError)
		return 1
	case TxnExecuting:
		t.setStateLocked(TxnPreparing)
		return 0
	default:
		log.Panicf("transaction %v: before_prepare in state %v", t.id, t.state)
		return 1
	}
}

// AfterPrepare certifies the write set so that the transaction can be
// committed in total order once the DBMS prepare has finished.
func (t *Transaction) AfterPrepare() int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.state {
	case TxnMustAbort:
		c.overrideErrorLocked(EDeadlockError)
		return 1
	case TxnPreparing:
		return t.certifyLocked()
	default:
		log.Panicf("transaction %v: after_prepare in state %v", t.id, t.state)
		return 1
	}
}

// BeforeCommit runs certification (unless the prepare phase already
// did) and enters the total order commit critical section. When it
// returns zero, the DBMS must perform the local commit and call
// OrderedCommit and AfterCommit.
func (t *Transaction) BeforeCommit() int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.state {
	case TxnMustAbort:
		c.overrideErrorLocked(EDeadlockError)
		return 1
	case TxnExecuting, TxnPreparing:
		if t.state == TxnExecuting {
			c.mu.Unlock()
			err := c.service.PrepareDataForReplication()
			c.mu.Lock()
			if t.state == TxnMustAbort {
				c.overrideErrorLocked(EDeadlockError)
				return 1
			}
			if err != nil {
				log.Warnf("client %v: preparing data for replication "+
					"failed: %v", c.id, err)
				c.overrideErrorLocked(EErrorDuringCommit)
				t.setStateLocked(TxnMustAbort)
				return 1
			}
		}
		if ret := t.certifyLocked(); ret != 0 {
			return ret
		}
	case TxnCommitting:
		// certified during the prepare phase
	default:
		log.Panicf("transaction %v: before_commit in state %v", t.id, t.state)
	}

	c.mu.Unlock()
	st := c.provider().CommitOrderEnter(&t.wsHandle, &t.wsMeta)
	c.mu.Lock()
	switch st {
	case StatusSuccess:
		// a racing brute force abort loses once the commit order has
		// been entered
		t.setStateLocked(TxnOrderedCommit)
		return 0
	case StatusConflict:
		c.overrideErrorLocked(EDeadlockError)
		if t.state != TxnMustAbort {
			t.setStateLocked(TxnMustAbort)
		}
		t.setStateLocked(TxnMustReplay)
		return 1
	default:
		log.Errorf("client %v: commit order enter failed: %v", c.id, st)
		c.overrideErrorLocked(EErrorDuringCommit)
		if t.state != TxnMustAbort {
			t.setStateLocked(TxnMustAbort)
		}
		return 1
	}
}

// certifyLocked runs provider certification for the accumulated write
// set. Entered and left with the client mutex held.
func (t *Transaction) certifyLocked() int {
	c := t.client
	t.setStateLocked(TxnCertifying)
	flags := t.flags | FlagCommit
	if t.paUnsafe {
		flags |= FlagPaUnsafe
	}
	if t.streaming.FragmentsSent() > 0 {
		flags &^= FlagStartTransaction
	}

	c.mu.Unlock()
	c.service.DebugSync("wsrep_before_certification")
	c.service.WaitForReplayers()
	killed := c.service.Killed()
	c.mu.Lock()
	if t.state == TxnMustAbort {
		c.overrideErrorLocked(EDeadlockError)
		return 1
	}
	if killed {
		log.Debugf("client %v: killed before certification", c.id)
		c.overrideErrorLocked(EInterruptedError)
		t.setStateLocked(TxnMustAbort)
		return 1
	}

	c.mu.Unlock()
	var meta WsMeta
	st := c.provider().Certify(c.id, &t.wsHandle, flags, &meta)
	c.service.DebugSync("wsrep_after_certification")
	c.mu.Lock()
	switch st {
	case StatusSuccess:
		t.wsMeta = meta
		t.certified = true
		if t.state == TxnMustAbort {
			// brute force abort raced with certification and won
			c.overrideErrorLocked(EDeadlockError)
			t.setStateLocked(TxnMustReplay)
			return 1
		}
		t.setStateLocked(TxnCommitting)
		return 0
	case StatusCertificationFailed:
		c.overrideErrorLocked(EDeadlockError)
		t.setStateLocked(TxnCertFailed)
		return 1
	case StatusConflict:
		c.overrideErrorLocked(EDeadlockError)
		if t.certified {
			if t.state != TxnMustAbort {
				t.setStateLocked(TxnMustAbort)
			}
			t.setStateLocked(TxnMustReplay)
		} else if t.state != TxnMustAbort {
			t.setStateLocked(TxnMustAbort)
		}
		return 1
	case StatusSizeExceeded:
		c.overrideErrorLocked(ESizeExceededError)
		t.setStateLocked(TxnMustAbort)
		return 1
	default:
		log.Errorf("client %v: certification failed: %v", c.id, st)
		c.overrideErrorLocked(EErrorDuringCommit)
		t.setStateLocked(TxnAborting)
		return 1
	}
}

// OrderedCommit leaves the commit order critical section after the
// DBMS has committed locally.
func (t *Transaction) OrderedCommit() int {
	c := t.client
	c.mu.Lock()
	if t.state != TxnOrderedCommit {
		log.Panicf("transaction %v: ordered_commit in state %v", t.id, t.state)
	}
	handle := t.wsHandle
	meta := t.wsMeta
	c.mu.Unlock()

	st := c.provider().CommitOrderLeave(&handle, &meta)
	c.server.SetLastCommittedGtid(meta.Gtid)
	if st != StatusSuccess {
		log.Errorf("client %v: commit order leave failed: %v", c.id, st)
		return 1
	}
	return 0
}

// AfterCommit releases the write set and finishes the transaction.
func (t *Transaction) AfterCommit() int {
	c := t.client
	c.mu.Lock()
	if t.state != TxnOrderedCommit {
		log.Panicf("transaction %v: after_commit in state %v", t.id, t.state)
	}
	streaming := t.streaming.FragmentsSent() > 0
	handle := t.wsHandle
	c.mu.Unlock()

	ret := 0
	if streaming {
		if err := c.service.RemoveFragments(); err != nil {
			log.Warnf("client %v: removing fragments failed: %v", c.id, err)
			ret = 1
		}
		c.server.StopStreamingClient(c.id)
	}
	if st := c.provider().Release(&handle); st != StatusSuccess {
		log.Errorf("client %v: write set release failed: %v", c.id, st)
		ret = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t.setStateLocked(TxnCommitted)
	return ret
}

// BeforeRollback moves the transaction into the aborting state. A
// streaming transaction that has replicated fragments replicates a
// rollback fragment first so remote appliers can tear it down.
func (t *Transaction) BeforeRollback() int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.state {
	case TxnExecuting, TxnPreparing, TxnMustAbort, TxnCertFailed:
		if t.streaming.FragmentsSent() > 0 && !t.streaming.RollbackReplicated() {
			t.streamingRollbackLocked()
		}
		t.setStateLocked(TxnAborting)
	case TxnAborting:
		// certification error path entered aborting already
	default:
		log.Panicf("transaction %v: before_rollback in state %v", t.id, t.state)
	}
	return 0
}

// streamingRollbackLocked replicates a rollback fragment and drops the
// fragments stored so far. Entered and left with the client mutex
// held.
func (t *Transaction) streamingRollbackLocked() {
	c := t.client
	t.streaming.markRollbackReplicated()
	c.mu.Unlock()
	var meta WsMeta
	if st := c.provider().Certify(c.id, &t.wsHandle, FlagRollback, &meta); st != StatusSuccess {
		log.Warnf("client %v: replicating rollback fragment failed: %v",
			c.id, st)
	}
	if err := c.service.RemoveFragments(); err != nil {
		log.Warnf("client %v: removing fragments failed: %v", c.id, err)
	}
	c.server.StopStreamingClient(c.id)
	c.mu.Lock()
}

// AfterRollback finishes the rollback and releases the write set.
func (t *Transaction) AfterRollback() int {
	c := t.client
	c.mu.Lock()
	if t.state != TxnAborting {
		log.Panicf("transaction %v: after_rollback in state %v", t.id, t.state)
	}
	handle := t.wsHandle
	c.mu.Unlock()
	c.provider().Release(&handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	t.setStateLocked(TxnAborted)
	return 0
}

// AfterStatement resolves the transaction at the statement boundary:
// pending aborts are rolled back, replays are executed and terminal
// transactions are cleaned up.
func (t *Transaction) AfterStatement() int {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.state == TxnExecuting {
		t.streaming.count(FragmentStatements, 1)
		if ret := t.checkFragmentsLocked(); ret != 0 {
			return t.finishStatementLocked(ret)
		}
	}

	ret := 0
	switch t.state {
	case TxnExecuting, TxnCommitted, TxnAborted:
	case TxnMustAbort, TxnCertFailed:
		c.mu.Unlock()
		c.service.Rollback()
		c.mu.Lock()
		if c.currentError == ESuccess {
			c.overrideErrorLocked(EDeadlockError)
		}
		ret = 1
	case TxnMustReplay:
		ret = t.replayLocked()
	case TxnAborting:
		// synchronous rollback still running on the aborter thread
		for t.state == TxnAborting {
			c.cond.Wait()
		}
		ret = 1
	default:
		log.Panicf("transaction %v: after_statement in state %v", t.id, t.state)
	}
	return t.finishStatementLocked(ret)
}

func (t *Transaction) finishStatementLocked(ret int) int {
	if !t.id.Undefined() &&
		(t.state == TxnCommitted || t.state == TxnAborted) {
		t.cleanupLocked()
	}
	return ret
}

// replayLocked re-executes a transaction which lost its locks to a
// brute force abort after it had been certified.
func (t *Transaction) replayLocked() int {
	c := t.client
	t.setStateLocked(TxnReplaying)
	c.mu.Unlock()
	c.service.WillReplay()
	st := c.service.Replay()
	c.mu.Lock()
	if st == StatusSuccess {
		t.setStateLocked(TxnCommitted)
		c.resetErrorLocked()
		return 0
	}
	log.Warnf("client %v: replay of %v failed: %v", c.id, t.id, st)
	t.setStateLocked(TxnAborted)
	if c.currentError == ESuccess {
		c.overrideErrorLocked(EDeadlockError)
	}
	return 1
}

// BfAbort delivers a brute force abort to the transaction. It may be
// called from any thread. Returns true if the abort was delivered.
func (t *Transaction) BfAbort(bfSeqno Seqno) bool {
	c := t.client
	c.mu.Lock()
	if !t.activeLocked() {
		c.mu.Unlock()
		return false
	}
	switch t.state {
	case TxnExecuting, TxnPreparing, TxnCertifying, TxnCommitting:
	default:
		// committed or ordered transactions may not be aborted anymore
		log.Debugf("transaction %v: bf abort in state %v ignored",
			t.id, t.state)
		c.mu.Unlock()
		return false
	}
	if !t.wsMeta.Gtid.Seqno.Undefined() && t.wsMeta.Gtid.Seqno < bfSeqno {
		c.mu.Unlock()
		return false
	}
	log.Debugf("transaction %v: bf abort by seqno %v in state %v",
		t.id, bfSeqno, t.state)
	t.bfSeqno = bfSeqno
	t.setStateLocked(TxnMustAbort)
	if c.server.RollbackMode() == RollbackModeAsync {
		c.cond.Broadcast()
		c.mu.Unlock()
		return true
	}
	// synchronous mode: the rollback runs on the aborter thread
	c.mu.Unlock()
	c.service.StoreGlobals()
	c.service.Rollback()
	return true
}

// BfSeqno returns the seqno of the transaction which won the conflict,
// or an undefined seqno.
func (t *Transaction) BfSeqno() Seqno {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()
	return t.bfSeqno
}
