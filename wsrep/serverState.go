package wsrep

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type ServerStatus int32

const (
	ServerDisconnected ServerStatus = iota
	ServerInitializing
	ServerInitialized
	ServerConnected
	ServerJoiner
	ServerJoined
	ServerDonor
	ServerSynced
	ServerDisconnecting

	numServerStatus = int(ServerDisconnecting) + 1
)

func (s ServerStatus) String() string {
	switch s {
	case ServerDisconnected:
		return "disconnected"
	case ServerInitializing:
		return "initializing"
	case ServerInitialized:
		return "initialized"
	case ServerConnected:
		return "connected"
	case ServerJoiner:
		return "joiner"
	case ServerJoined:
		return "joined"
	case ServerDonor:
		return "donor"
	case ServerSynced:
		return "synced"
	case ServerDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

type RollbackMode int32

const (
	RollbackModeAsync RollbackMode = iota
	RollbackModeSync
)

func (m RollbackMode) String() string {
	if m == RollbackModeSync {
		return "sync"
	}
	return "async"
}

// ServerConfig carries the construction time parameters of a server
// state. Nothing else is read from the environment.
type ServerConfig struct {
	Name               string
	ID                 ID
	IncomingAddress    string
	Address            string
	WorkingDir         string
	InitialPosition    GTID
	MaxProtocolVersion int
	RollbackMode       RollbackMode
}

type streamingApplierKey struct {
	serverID ID
	trxID    TransactionID
}

// ServerState is the process wide replication coordinator. It owns the
// provider handle, the node lifecycle state machine and the streaming
// registries. One instance exists per process; it must outlive every
// client state.
type ServerState struct {
	mu   sync.Mutex
	cond *sync.Cond

	service ServerService
	config  ServerConfig

	status        ServerStatus
	statusHist    []ServerStatus
	statusWaiters [numServerStatus]int
	allowed       [numServerStatus][numServerStatus]bool

	bootstrap       bool
	initInitialized bool
	initSynced      bool
	sstGtid         GTID

	desyncCount int
	pauseCount  int
	pauseSeqno  Seqno

	streamingClients  map[ClientID]*ClientState
	streamingAppliers map[streamingApplierKey]HighPriorityService

	provider     Provider
	providerName string

	connectedGtid     GTID
	currentView       View
	lastCommittedGtid GTID

	// read on client state hot paths without the server mutex
	debugLogLevel int32
}

func NewServerState(service ServerService, config ServerConfig) *ServerState {
	s := &ServerState{
		service:           service,
		config:            config,
		status:            ServerDisconnected,
		pauseSeqno:        SeqnoUndefined,
		streamingClients:  make(map[ClientID]*ClientState),
		streamingAppliers: make(map[streamingApplierKey]HighPriorityService),
		connectedGtid:     GtidUndefined,
		lastCommittedGtid: config.InitialPosition,
		sstGtid:           GtidUndefined,
	}
	s.cond = sync.NewCond(&s.mu)
	s.initTransitions(service.SstBeforeInit())
	return s
}

// initTransitions builds the allowed transition matrix. A few edges
// depend on whether the snapshot is transferred before or after the
// storage engine initialization.
func (s *ServerState) initTransitions(sstBeforeInit bool) {
	allow := func(from, to ServerStatus) {
		s.allowed[from][to] = true
	}
	allow(ServerInitializing, ServerInitialized)
	// reconnect after a disconnect is always possible
	allow(ServerDisconnected, ServerConnected)
	allow(ServerConnected, ServerJoiner)
	allow(ServerConnected, ServerJoined)
	allow(ServerConnected, ServerSynced)
	allow(ServerJoiner, ServerJoined)
	allow(ServerJoined, ServerSynced)
	allow(ServerSynced, ServerDonor)
	allow(ServerSynced, ServerJoined)
	allow(ServerDonor, ServerJoined)
	if sstBeforeInit {
		allow(ServerJoiner, ServerInitializing)
		allow(ServerInitialized, ServerJoined)
	} else {
		allow(ServerDisconnected, ServerInitializing)
		allow(ServerInitialized, ServerConnected)
	}
	for st := ServerDisconnected; int(st) < numServerStatus; st++ {
		if st != ServerDisconnecting && st != ServerDisconnected {
			allow(st, ServerDisconnecting)
		}
	}
	allow(ServerDisconnecting, ServerDisconnected)
}

func (s *ServerState) Name() string            { return s.config.Name }
func (s *ServerState) ID() ID                  { return s.config.ID }
func (s *ServerState) IncomingAddress() string { return s.config.IncomingAddress }
func (s *ServerState) Address() string         { return s.config.Address }
func (s *ServerState) WorkingDir() string      { return s.config.WorkingDir }
func (s *ServerState) InitialPosition() GTID   { return s.config.InitialPosition }
func (s *ServerState) MaxProtocolVersion() int { return s.config.MaxProtocolVersion }
func (s *ServerState) RollbackMode() RollbackMode {
	return s.config.RollbackMode
}
func (s *ServerState) ServerService() ServerService { return s.service }

func (s *ServerState) DebugLogLevel() int {
	return int(atomic.LoadInt32(&s.debugLogLevel))
}

func (s *ServerState) SetDebugLogLevel(level int) {
	atomic.StoreInt32(&s.debugLogLevel, int32(level))
}

// LoadProvider looks up a registered provider driver by name and opens
// it. Loading a provider while any client state is non idle is
// undefined.
func (s *ServerState) LoadProvider(name string, options string) error {
	driver, ok := lookupDriver(name)
	if !ok {
		log.Errorf("provider driver %v not registered", name)
		return &UnknownProviderError{Name: name}
	}
	provider, err := driver.Open(options, s)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
	s.providerName = name
	log.Infof("loaded provider %v", name)
	return nil
}

func (s *ServerState) UnloadProvider() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = nil
	s.providerName = ""
}

type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return "unknown provider driver " + e.Name
}

// Provider returns the loaded provider, or a stub whose every call
// fails with StatusNotLoaded.
func (s *ServerState) Provider() Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerLocked()
}

func (s *ServerState) providerLocked() Provider {
	if s.provider == nil {
		return notLoadedProvider{}
	}
	return s.provider
}

func (s *ServerState) State() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StateHistory returns the sequence of states the server has visited,
// the current state last.
func (s *ServerState) StateHistory() []ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerStatus, len(s.statusHist), len(s.statusHist)+1)
	copy(out, s.statusHist)
	return append(out, s.status)
}

func (s *ServerState) setStatusLocked(status ServerStatus) {
	if !s.allowed[s.status][status] {
		log.Panicf("server %v: unallowed state transition: %v -> %v",
			s.config.Name, s.status, status)
	}
	log.Debugf("server %v: state %v -> %v", s.config.Name, s.status, status)
	s.statusHist = append(s.statusHist, s.status)
	s.status = status
	s.cond.Broadcast()
}

// WaitUntilState blocks until the server reaches the given state. The
// wait is not interruptible; disconnect satisfies waiters for
// disconnected by passing through disconnecting.
func (s *ServerState) WaitUntilState(status ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitUntilStateLocked(status)
}

func (s *ServerState) waitUntilStateLocked(status ServerStatus) {
	s.statusWaiters[status]++
	for s.status != status {
		s.cond.Wait()
	}
	s.statusWaiters[status]--
	s.cond.Broadcast()
}

// StateWaiters returns the number of threads waiting for the given
// state. The server state must not be destroyed while this is non
// zero for any state.
func (s *ServerState) StateWaiters(status ServerStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusWaiters[status]
}

func (s *ServerState) Connect(clusterName, clusterAddress, stateDonor string, bootstrap bool) int {
	s.mu.Lock()
	s.bootstrap = bootstrap
	provider := s.providerLocked()
	s.mu.Unlock()
	log.Infof("server %v: connecting to cluster %v at %v",
		s.config.Name, clusterName, clusterAddress)
	if st := provider.Connect(clusterName, clusterAddress, stateDonor, bootstrap); st != StatusSuccess {
		log.Errorf("server %v: provider connect failed: %v", s.config.Name, st)
		return 1
	}
	return 0
}

func (s *ServerState) Disconnect() int {
	s.mu.Lock()
	s.setStatusLocked(ServerDisconnecting)
	provider := s.providerLocked()
	s.mu.Unlock()
	if st := provider.Disconnect(); st != StatusSuccess {
		log.Errorf("server %v: provider disconnect failed: %v", s.config.Name, st)
		return 1
	}
	return 0
}

// OnConnect is called by the provider once the node has joined the
// group.
func (s *ServerState) OnConnect(gtid GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Infof("server %v: connected to group at %v", s.config.Name, gtid)
	s.connectedGtid = gtid
	s.setStatusLocked(ServerConnected)
}

// OnView is called by the provider on every view event. Streaming
// transactions whose origin dropped out of the view are rolled back
// through their registered appliers; the applier argument is not used.
func (s *ServerState) OnView(view View, applier HighPriorityService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Infof("server %v: view %v seqno %v members %v",
		s.config.Name, view.Status, view.ViewSeqno, len(view.Members))
	switch view.Status {
	case ViewPrimary:
		s.currentView = view
		if s.status == ServerConnected {
			s.setStatusLocked(ServerJoiner)
		}
		s.closeForeignStreamingAppliersLocked(view)
	case ViewNonPrimary:
		s.currentView = view
		s.closeForeignStreamingAppliersLocked(view)
	case ViewDisconnected:
		s.closeTransactionsAtDisconnectLocked()
		s.setStatusLocked(ServerDisconnected)
	}
}

// OnSync is called by the provider when the node has caught up with
// the cluster.
func (s *ServerState) OnSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Infof("server %v: synced with group", s.config.Name)
	s.initSynced = true
	switch s.status {
	case ServerConnected, ServerJoined:
		s.setStatusLocked(ServerSynced)
	case ServerSynced:
		// resync after desync, no state change
	default:
		log.Debugf("server %v: sync in state %v", s.config.Name, s.status)
	}
}

// Initialized must be called once the storage engine initialization
// has completed.
func (s *ServerState) Initialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Infof("server %v: storage engine initialized", s.config.Name)
	if s.status == ServerDisconnected {
		s.setStatusLocked(ServerInitializing)
	}
	s.initInitialized = true
	s.setStatusLocked(ServerInitialized)
}

func (s *ServerState) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initInitialized
}

// PrepareForSst returns the SST request for this node.
func (s *ServerState) PrepareForSst() string {
	return s.service.SstRequest()
}

// StartSst starts donating a snapshot. The donor transitions to donor
// state before the transfer begins.
func (s *ServerState) StartSst(request string, gtid GTID, bypass bool) int {
	s.mu.Lock()
	s.setStatusLocked(ServerDonor)
	s.mu.Unlock()
	if err := s.service.StartSst(request, gtid, bypass); err != nil {
		log.Errorf("server %v: SST start failed: %v", s.config.Name, err)
		s.mu.Lock()
		s.setStatusLocked(ServerJoined)
		s.mu.Unlock()
		return 1
	}
	return 0
}

// SstSent is called on the donor after the snapshot transfer has
// finished.
func (s *ServerState) SstSent(gtid GTID, failure int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failure != 0 {
		log.Warnf("server %v: SST send failed at %v: %v", s.config.Name, gtid, failure)
	} else {
		log.Infof("server %v: SST sent up to %v", s.config.Name, gtid)
	}
	s.setStatusLocked(ServerJoined)
}

// SstReceived is called on the joiner after the snapshot has been
// received. If the storage engine has not been initialized yet, the
// call blocks until Initialized() is invoked.
func (s *ServerState) SstReceived(gtid GTID, failure int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failure != 0 {
		log.Errorf("server %v: SST failed at %v: %v", s.config.Name, gtid, failure)
		s.setStatusLocked(ServerDisconnecting)
		return
	}
	log.Infof("server %v: SST received at %v", s.config.Name, gtid)
	s.sstGtid = gtid
	if !s.initInitialized {
		s.setStatusLocked(ServerInitializing)
		for !s.initInitialized {
			s.cond.Wait()
		}
	}
	s.setStatusLocked(ServerJoined)
}

func (s *ServerState) SstGtid() GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sstGtid
}

func (s *ServerState) ConnectedGtid() GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedGtid
}

func (s *ServerState) CurrentView() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentView
}

func (s *ServerState) SetLastCommittedGtid(gtid GTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommittedGtid = gtid
}

func (s *ServerState) LastCommittedGtid() GTID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommittedGtid
}

// WaitForGtid blocks until all write sets up to the given GTID have
// been committed, or the timeout expires.
func (s *ServerState) WaitForGtid(gtid GTID, timeout time.Duration) Status {
	return s.Provider().WaitForGtid(gtid, timeout)
}

// CausalRead waits until all causally preceding write sets have been
// committed.
func (s *ServerState) CausalRead(timeout time.Duration) (GTID, Status) {
	return s.Provider().CausalRead(timeout)
}

func (s *ServerState) Desync() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desyncLocked()
}

func (s *ServerState) desyncLocked() Status {
	if s.desyncCount == 0 {
		if st := s.providerLocked().Desync(); st != StatusSuccess {
			log.Warnf("server %v: desync failed: %v", s.config.Name, st)
			return st
		}
	}
	s.desyncCount++
	return StatusSuccess
}

func (s *ServerState) Resync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncLocked()
}

func (s *ServerState) resyncLocked() {
	if s.desyncCount == 0 {
		log.Panicf("server %v: resync without desync", s.config.Name)
	}
	s.desyncCount--
	if s.desyncCount == 0 {
		if st := s.providerLocked().Resync(); st != StatusSuccess {
			log.Warnf("server %v: resync failed: %v", s.config.Name, st)
		}
	}
}

func (s *ServerState) DesyncCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desyncCount
}

// Pause pauses the provider. Nested pauses are counted; the seqno of
// the first pause is returned for every nesting level.
func (s *ServerState) Pause() (Seqno, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseLocked()
}

func (s *ServerState) pauseLocked() (Seqno, Status) {
	if s.pauseCount == 0 {
		seqno, st := s.providerLocked().Pause()
		if st != StatusSuccess {
			log.Warnf("server %v: pause failed: %v", s.config.Name, st)
			return SeqnoUndefined, st
		}
		s.pauseSeqno = seqno
	}
	s.pauseCount++
	return s.pauseSeqno, StatusSuccess
}

func (s *ServerState) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
}

func (s *ServerState) resumeLocked() {
	if s.pauseCount == 0 {
		log.Panicf("server %v: resume without pause", s.config.Name)
	}
	s.pauseCount--
	if s.pauseCount == 0 {
		if st := s.providerLocked().Resume(); st != StatusSuccess {
			log.Warnf("server %v: resume failed: %v", s.config.Name, st)
		}
		s.pauseSeqno = SeqnoUndefined
	}
}

func (s *ServerState) PauseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseCount
}

func (s *ServerState) PauseSeqno() Seqno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pauseSeqno
}

// DesyncAndPause desyncs and pauses the provider atomically with
// respect to other server state observers. Returns the pause seqno, or
// an undefined seqno on failure.
func (s *ServerState) DesyncAndPause() Seqno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.desyncLocked(); st != StatusSuccess {
		return SeqnoUndefined
	}
	seqno, st := s.pauseLocked()
	if st != StatusSuccess {
		s.resyncLocked()
		return SeqnoUndefined
	}
	return seqno
}

// ResumeAndResync undoes DesyncAndPause in one atomic step.
func (s *ServerState) ResumeAndResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLocked()
	s.resyncLocked()
}

// Status returns the provider status variables.
func (s *ServerState) Status() []StatusVariable {
	return s.Provider().StatusVariables()
}
