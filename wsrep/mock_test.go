package wsrep

import (
	"sync"
	"time"
)

// mockProvider is a scriptable provider. Result fields default to
// success; tests poke them to inject failures.
type mockProvider struct {
	mu sync.Mutex

	clusterID ID
	seqno     Seqno

	connectResult          Status
	certifyResult          Status
	commitOrderEnterResult Status
	replayResult           Status
	toiResult              Status

	beforeCertify func()

	connects    int
	disconnects int
	desyncs     int
	resyncs     int
	pauses      int
	resumes     int
	toiEnters   int
	toiLeaves   int
	releases    int
	replays     int
	certifies   int
	pauseSeqno  Seqno
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		clusterID:  RandomID(),
		pauseSeqno: 10,
	}
}

func (p *mockProvider) Connect(string, string, string, bool) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	return p.connectResult
}

func (p *mockProvider) Disconnect() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return StatusSuccess
}

func (p *mockProvider) RunApplier(HighPriorityService) Status {
	return StatusSuccess
}

func (p *mockProvider) Certify(
	clientID ClientID, handle *WsHandle, flags int, meta *WsMeta) Status {
	if hook := p.beforeCertify; hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.certifies++
	if p.certifyResult != StatusSuccess {
		return p.certifyResult
	}
	p.seqno++
	*meta = WsMeta{
		Gtid:      NewGTID(p.clusterID, p.seqno),
		ServerID:  p.clusterID,
		ClientID:  clientID,
		TrxID:     handle.TrxID,
		DependsOn: p.seqno - 1,
		Flags:     flags,
	}
	return StatusSuccess
}

func (p *mockProvider) CommitOrderEnter(*WsHandle, *WsMeta) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitOrderEnterResult
}

func (p *mockProvider) CommitOrderLeave(*WsHandle, *WsMeta) Status {
	return StatusSuccess
}

func (p *mockProvider) Release(*WsHandle) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	return StatusSuccess
}

func (p *mockProvider) Replay(*WsHandle, HighPriorityService) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replays++
	return p.replayResult
}

func (p *mockProvider) EnterToi(
	clientID ClientID, keys []Key, data []byte, meta *WsMeta, flags int) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.toiResult != StatusSuccess {
		return p.toiResult
	}
	p.toiEnters++
	p.seqno++
	*meta = WsMeta{
		Gtid:      NewGTID(p.clusterID, p.seqno),
		ServerID:  p.clusterID,
		ClientID:  clientID,
		DependsOn: p.seqno - 1,
		Flags:     flags,
	}
	return StatusSuccess
}

func (p *mockProvider) LeaveToi(ClientID) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toiLeaves++
	return StatusSuccess
}

func (p *mockProvider) Desync() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desyncs++
	return StatusSuccess
}

func (p *mockProvider) Resync() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resyncs++
	return StatusSuccess
}

func (p *mockProvider) Pause() (Seqno, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
	return p.pauseSeqno, StatusSuccess
}

func (p *mockProvider) Resume() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
	return StatusSuccess
}

func (p *mockProvider) CausalRead(time.Duration) (GTID, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewGTID(p.clusterID, p.seqno), StatusSuccess
}

func (p *mockProvider) WaitForGtid(gtid GTID, timeout time.Duration) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seqno < gtid.Seqno {
		return StatusTransientError
	}
	return StatusSuccess
}

func (p *mockProvider) StatusVariables() []StatusVariable {
	return []StatusVariable{{Name: "mock", Value: "true"}}
}

type mockDriver struct {
	provider *mockProvider
}

func (d *mockDriver) Open(options string, client ProviderClient) (Provider, error) {
	return d.provider, nil
}

// mockServerService provides the server side seams.
type mockServerService struct {
	mu            sync.Mutex
	sstBeforeInit bool
	sstStarts     int
	appliers      []*mockHighPriorityService
	released      int
}

func (s *mockServerService) SstBeforeInit() bool {
	return s.sstBeforeInit
}

func (s *mockServerService) SstRequest() string {
	return "mock-sst-request"
}

func (s *mockServerService) StartSst(string, GTID, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sstStarts++
	return nil
}

func (s *mockServerService) StreamingApplierService() HighPriorityService {
	s.mu.Lock()
	defer s.mu.Unlock()
	applier := &mockHighPriorityService{}
	s.appliers = append(s.appliers, applier)
	return applier
}

func (s *mockServerService) ReleaseHighPriorityService(HighPriorityService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

// mockHighPriorityService records applied write sets and can be told
// to fail the next applying.
type mockHighPriorityService struct {
	mu sync.Mutex

	failNextApplying bool

	started   int
	applied   int
	fragments int
	commits   int
	rollbacks int
	tois      int
}

type applyError struct{}

func (applyError) Error() string { return "apply failed" }

func (h *mockHighPriorityService) StartTransaction(WsHandle, WsMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return nil
}

func (h *mockHighPriorityService) ApplyWriteSet(WsMeta, []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNextApplying {
		h.failNextApplying = false
		return applyError{}
	}
	h.applied++
	return nil
}

func (h *mockHighPriorityService) AppendFragmentAndCommit(WsHandle, WsMeta, []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNextApplying {
		h.failNextApplying = false
		return applyError{}
	}
	h.fragments++
	return nil
}

func (h *mockHighPriorityService) RemoveFragments(WsMeta) error {
	return nil
}

func (h *mockHighPriorityService) Commit(WsHandle, WsMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits++
	return nil
}

func (h *mockHighPriorityService) Rollback(WsHandle, WsMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbacks++
	return nil
}

func (h *mockHighPriorityService) ApplyToi(WsMeta, []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tois++
	return nil
}

func (h *mockHighPriorityService) AfterApply() error {
	return nil
}

func (h *mockHighPriorityService) StoreGlobals() {
}

type syncPointAction int

const (
	spaNone syncPointAction = iota
	spaBfAbortUnordered
	spaBfAbortOrdered
)

// mockClientService is the DBMS side of a test session. The seam
// fields mirror the failure injection points the state machines must
// tolerate.
type mockClientService struct {
	client *ClientState

	isAutocommit bool
	do2pc        bool

	bfAbortDuringWait      bool
	errorDuringPrepareData bool
	killedBeforeCertify    bool
	syncPointEnabled       string
	syncPointAction        syncPointAction

	bytesGenerated int
	replays        int
	aborts         int
	rollbacks      int
}

type prepareDataError struct{}

func (prepareDataError) Error() string { return "error during prepare data" }

func (s *mockClientService) Do2pc() bool {
	return s.do2pc
}

func (s *mockClientService) IsAutocommit() bool {
	return s.isAutocommit
}

func (s *mockClientService) Rollback() {
	s.rollbacks++
	txn := s.client.Transaction()
	txn.BeforeRollback()
	txn.AfterRollback()
}

func (s *mockClientService) AppendFragment(WsMeta, int, []byte) error {
	return nil
}

func (s *mockClientService) RemoveFragments() error {
	return nil
}

func (s *mockClientService) WillReplay() {
}

func (s *mockClientService) Replay() Status {
	s.replays++
	handle := s.client.Transaction().WsHandle()
	return s.client.Server().Provider().Replay(&handle, &mockHighPriorityService{})
}

func (s *mockClientService) WaitForReplayers() {
	if s.bfAbortDuringWait {
		s.bfAbortDuringWait = false
		bfAbortUnordered(s.client)
	}
}

func (s *mockClientService) PrepareDataForReplication() error {
	if s.errorDuringPrepareData {
		return prepareDataError{}
	}
	s.bytesGenerated++
	s.client.Transaction().AppendData([]byte{1})
	return nil
}

func (s *mockClientService) PrepareFragmentForReplication() ([]byte, error) {
	if s.errorDuringPrepareData {
		return nil, prepareDataError{}
	}
	return []byte{1}, nil
}

func (s *mockClientService) Killed() bool {
	return s.killedBeforeCertify
}

func (s *mockClientService) Abort() {
	s.aborts++
}

func (s *mockClientService) StoreGlobals() {
}

func (s *mockClientService) DebugSync(name string) {
	if s.syncPointEnabled != name {
		return
	}
	switch s.syncPointAction {
	case spaBfAbortUnordered:
		bfAbortUnordered(s.client)
	case spaBfAbortOrdered:
		bfAbortOrdered(s.client)
	}
	s.syncPointEnabled = ""
}

func (s *mockClientService) DebugSuicide(string) {
}

func (s *mockClientService) OnError(ClientError) {
}

func bfAbortUnordered(client *ClientState) bool {
	return client.Transaction().BfAbort(1)
}

func bfAbortOrdered(client *ClientState) bool {
	seqno := client.Transaction().WsMeta().Gtid.Seqno
	if seqno.Undefined() {
		seqno = 1
	}
	return client.Transaction().BfAbort(seqno)
}

// test fixture wiring

type fixture struct {
	provider *mockProvider
	service  *mockServerService
	server   *ServerState
}

var testDriver = &mockDriver{}

func init() {
	RegisterDriver("mock", testDriver)
}

func newFixture(sstBeforeInit bool, rollbackMode RollbackMode) *fixture {
	f := &fixture{
		provider: newMockProvider(),
		service:  &mockServerService{sstBeforeInit: sstBeforeInit},
	}
	f.server = NewServerState(f.service, ServerConfig{
		Name:               "test-server",
		ID:                 RandomID(),
		IncomingAddress:    "127.0.0.1:3306",
		Address:            "gcomm://127.0.0.1",
		WorkingDir:         ".",
		InitialPosition:    GtidUndefined,
		MaxProtocolVersion: 1,
		RollbackMode:       rollbackMode,
	})
	testDriver.provider = f.provider
	if err := f.server.LoadProvider("mock", ""); err != nil {
		panic(err)
	}
	return f
}

// connectToPrimary drives the server from disconnected to synced the
// way the provider would during a bootstrap without SST.
func (f *fixture) connectToPrimary() {
	if !f.service.sstBeforeInit {
		f.server.Initialized()
	}
	f.server.Connect("test-cluster", "gcomm://127.0.0.1", "", true)
	f.server.OnConnect(NewGTID(f.provider.clusterID, 0))
	f.server.OnView(f.primaryView(), nil)
	if f.service.sstBeforeInit {
		go func() {
			time.Sleep(5 * time.Millisecond)
			f.server.Initialized()
		}()
	}
	f.server.SstReceived(NewGTID(f.provider.clusterID, 0), 0)
	f.server.OnSync()
}

func (f *fixture) primaryView() View {
	return View{
		StateID:   NewGTID(f.provider.clusterID, 0),
		ViewSeqno: 1,
		Status:    ViewPrimary,
		OwnIndex:  0,
		Protocol:  1,
		Members: []Member{
			{ID: f.server.ID(), Name: "test-server", Incoming: "127.0.0.1:3306"},
		},
	}
}

func (f *fixture) newClient(id ClientID, mode ClientMode,
	autocommit bool) (*ClientState, *mockClientService) {
	service := &mockClientService{isAutocommit: autocommit}
	client := NewClientState(f.server, service, mode)
	service.client = client
	client.Open(id)
	return client, service
}
