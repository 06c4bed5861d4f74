package wsrep

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status is the result enum shared by all provider entry points.
type Status int32

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusTransientError
	StatusConnectionFailed
	StatusCertificationFailed
	StatusSizeExceeded
	StatusConflict
	StatusNotImplemented
	StatusNotAllowed
	StatusFatal
	StatusNotLoaded
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusTransientError:
		return "transient_error"
	case StatusConnectionFailed:
		return "connection_failed"
	case StatusCertificationFailed:
		return "certification_failed"
	case StatusSizeExceeded:
		return "size_exceeded"
	case StatusConflict:
		return "conflict"
	case StatusNotImplemented:
		return "not_implemented"
	case StatusNotAllowed:
		return "not_allowed"
	case StatusFatal:
		return "fatal"
	case StatusNotLoaded:
		return "not_loaded"
	}
	return "unknown"
}

type StatusVariable struct {
	Name  string
	Value string
}

// Provider is the capability set of a loaded replication provider.
// Every method except StatusVariables returns a Status. Implementations must tolerate
// concurrent calls from multiple threads subject to their own
// discipline.
type Provider interface {
	Connect(clusterName, clusterAddress, stateDonor string, bootstrap bool) Status
	Disconnect() Status

	// RunApplier enters the applier loop on the calling thread and
	// feeds remote write sets to the given service. It returns when
	// the provider disconnects.
	RunApplier(service HighPriorityService) Status

	Certify(clientID ClientID, handle *WsHandle, flags int, meta *WsMeta) Status
	CommitOrderEnter(handle *WsHandle, meta *WsMeta) Status
	CommitOrderLeave(handle *WsHandle, meta *WsMeta) Status
	Release(handle *WsHandle) Status
	Replay(handle *WsHandle, applier HighPriorityService) Status

	EnterToi(clientID ClientID, keys []Key, data []byte, meta *WsMeta, flags int) Status
	LeaveToi(clientID ClientID) Status

	Desync() Status
	Resync() Status
	Pause() (Seqno, Status)
	Resume() Status

	CausalRead(timeout time.Duration) (GTID, Status)
	WaitForGtid(gtid GTID, timeout time.Duration) Status

	StatusVariables() []StatusVariable
}

// ProviderClient is the callback surface a provider uses to deliver
// cluster events back into the hosting server.
type ProviderClient interface {
	OnConnect(gtid GTID)
	OnView(view View, applier HighPriorityService)
	OnSync()
	OnApply(service HighPriorityService, handle WsHandle, meta WsMeta, data []byte) int
}

// Driver opens provider instances. Providers register a driver under a
// name at init time and the server loads one by that name, in the
// manner of database/sql drivers.
type Driver interface {
	Open(options string, client ProviderClient) (Provider, error)
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]Driver)
)

func RegisterDriver(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		log.Panicf("wsrep: RegisterDriver with nil driver %v", name)
	}
	if _, dup := drivers[name]; dup {
		log.Panicf("wsrep: RegisterDriver called twice for %v", name)
	}
	drivers[name] = driver
}

func lookupDriver(name string) (Driver, bool) {
	driversMu.Lock()
	defer driversMu.Unlock()
	d, ok := drivers[name]
	return d, ok
}

// notLoadedProvider takes the place of the provider before one is
// loaded. Every call fails with StatusNotLoaded.
type notLoadedProvider struct{}

func (notLoadedProvider) Connect(string, string, string, bool) Status { return StatusNotLoaded }
func (notLoadedProvider) Disconnect() Status                          { return StatusNotLoaded }
func (notLoadedProvider) RunApplier(HighPriorityService) Status       { return StatusNotLoaded }
func (notLoadedProvider) Certify(ClientID, *WsHandle, int, *WsMeta) Status {
	return StatusNotLoaded
}
func (notLoadedProvider) CommitOrderEnter(*WsHandle, *WsMeta) Status { return StatusNotLoaded }
func (notLoadedProvider) CommitOrderLeave(*WsHandle, *WsMeta) Status { return StatusNotLoaded }
func (notLoadedProvider) Release(*WsHandle) Status                   { return StatusNotLoaded }
func (notLoadedProvider) Replay(*WsHandle, HighPriorityService) Status {
	return StatusNotLoaded
}
func (notLoadedProvider) EnterToi(ClientID, []Key, []byte, *WsMeta, int) Status {
	return StatusNotLoaded
}
func (notLoadedProvider) LeaveToi(ClientID) Status { return StatusNotLoaded }
func (notLoadedProvider) Desync() Status           { return StatusNotLoaded }
func (notLoadedProvider) Resync() Status           { return StatusNotLoaded }
func (notLoadedProvider) Pause() (Seqno, Status)   { return SeqnoUndefined, StatusNotLoaded }
func (notLoadedProvider) Resume() Status           { return StatusNotLoaded }
func (notLoadedProvider) CausalRead(time.Duration) (GTID, Status) {
	return GtidUndefined, StatusNotLoaded
}
func (notLoadedProvider) WaitForGtid(GTID, time.Duration) Status { return StatusNotLoaded }
func (notLoadedProvider) StatusVariables() []StatusVariable      { return nil }
