package main

import (
	log "github.com/sirupsen/logrus"

	"Trillium-WSR/wsrep"
)

// nodeService implements the server side capability set for a stand
// alone node. There is no snapshot to move, so SST requests are
// trivial and the engine is initialized before the node connects.
type nodeService struct{}

func (nodeService) SstBeforeInit() bool {
	return false
}

func (nodeService) SstRequest() string {
	return "trivial"
}

func (nodeService) StartSst(request string, gtid wsrep.GTID, bypass bool) error {
	log.Infof("SST start request %v at %v bypass %v", request, gtid, bypass)
	return nil
}

func (nodeService) StreamingApplierService() wsrep.HighPriorityService {
	return &applierService{}
}

func (nodeService) ReleaseHighPriorityService(service wsrep.HighPriorityService) {
}

// applierService applies remote write sets. On a stand alone node it
// only ever sees write sets during replay.
type applierService struct {
	applied int
}

func (a *applierService) StartTransaction(handle wsrep.WsHandle, meta wsrep.WsMeta) error {
	log.Debugf("applier: start transaction %v", meta.TrxID)
	return nil
}

func (a *applierService) ApplyWriteSet(meta wsrep.WsMeta, data []byte) error {
	a.applied++
	log.Debugf("applier: apply %v bytes at %v", len(data), meta.Gtid)
	return nil
}

func (a *applierService) AppendFragmentAndCommit(
	handle wsrep.WsHandle, meta wsrep.WsMeta, data []byte) error {
	log.Debugf("applier: fragment of %v at %v", meta.TrxID, meta.Gtid)
	return nil
}

func (a *applierService) RemoveFragments(meta wsrep.WsMeta) error {
	return nil
}

func (a *applierService) Commit(handle wsrep.WsHandle, meta wsrep.WsMeta) error {
	log.Debugf("applier: commit %v at %v", meta.TrxID, meta.Gtid)
	return nil
}

func (a *applierService) Rollback(handle wsrep.WsHandle, meta wsrep.WsMeta) error {
	log.Debugf("applier: rollback %v", meta.TrxID)
	return nil
}

func (a *applierService) ApplyToi(meta wsrep.WsMeta, data []byte) error {
	log.Debugf("applier: TOI %v bytes at %v", len(data), meta.Gtid)
	return nil
}

func (a *applierService) AfterApply() error {
	return nil
}

func (a *applierService) StoreGlobals() {
}

// sessionService is the DBMS side of one local session. The node has
// no real storage engine, so the callbacks only account for what a
// DBMS would do.
type sessionService struct {
	client     *wsrep.ClientState
	autocommit bool
	rollbacks  int
	replays    int
}

func (s *sessionService) Do2pc() bool {
	return false
}

func (s *sessionService) IsAutocommit() bool {
	return s.autocommit
}

func (s *sessionService) Rollback() {
	s.rollbacks++
	txn := s.client.Transaction()
	txn.BeforeRollback()
	txn.AfterRollback()
}

func (s *sessionService) AppendFragment(meta wsrep.WsMeta, flags int, data []byte) error {
	return nil
}

func (s *sessionService) RemoveFragments() error {
	return nil
}

func (s *sessionService) WillReplay() {
}

func (s *sessionService) Replay() wsrep.Status {
	s.replays++
	handle := s.client.Transaction().WsHandle()
	return s.client.Server().Provider().Replay(&handle, &applierService{})
}

func (s *sessionService) WaitForReplayers() {
}

func (s *sessionService) PrepareDataForReplication() error {
	return nil
}

func (s *sessionService) PrepareFragmentForReplication() ([]byte, error) {
	return []byte{1}, nil
}

func (s *sessionService) Killed() bool {
	return false
}

func (s *sessionService) Abort() {
}

func (s *sessionService) StoreGlobals() {
}

func (s *sessionService) DebugSync(name string) {
}

func (s *sessionService) DebugSuicide(name string) {
	log.Fatalf("debug suicide at %v", name)
}

func (s *sessionService) OnError(err wsrep.ClientError) {
	log.Warnf("session error: %v", err)
}
