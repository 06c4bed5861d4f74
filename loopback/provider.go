// Package loopback implements an in-process replication provider for
// single node operation and testing. Write sets are certified against
// nothing and ordered by a monotonic seqno counter.
package loopback

import (
	"strconv"
	"sync"
	"time"

	"github.com/op/go-logging"

	"Trillium-WSR/wsrep"
)

var log = logging.MustGetLogger("loopback")

const DriverName = "loopback"

func init() {
	wsrep.RegisterDriver(DriverName, driver{})
}

type driver struct{}

func (driver) Open(options string, client wsrep.ProviderClient) (wsrep.Provider, error) {
	p := &Provider{
		client:    client,
		clusterID: wsrep.RandomID(),
	}
	p.cond = sync.NewCond(&p.mu)
	if options != "" {
		log.Debugf("loopback provider options ignored: %v", options)
	}
	return p, nil
}

// Provider is a loopback provider instance. The result fields can be
// poked to inject failures; they default to success.
type Provider struct {
	mu   sync.Mutex
	cond *sync.Cond

	client    wsrep.ProviderClient
	clusterID wsrep.ID

	connected bool
	paused    bool
	seqno     wsrep.Seqno

	CertifyResult    wsrep.Status
	CommitOrderError wsrep.Status
	ReplayResult     wsrep.Status
	ToiResult        wsrep.Status

	// BeforeCertify, when set, runs outside the provider lock right
	// before certification. Used to inject brute force aborts at the
	// certification boundary.
	BeforeCertify func()
}

func (p *Provider) ClusterID() wsrep.ID {
	return p.clusterID
}

func (p *Provider) Connect(clusterName, clusterAddress, stateDonor string, bootstrap bool) wsrep.Status {
	p.mu.Lock()
	p.connected = true
	gtid := wsrep.NewGTID(p.clusterID, p.seqno)
	p.mu.Unlock()
	log.Infof("connect to %v at %v bootstrap %v", clusterName, clusterAddress, bootstrap)

	p.client.OnConnect(gtid)
	p.client.OnView(p.singletonView(), nil)
	return wsrep.StatusSuccess
}

func (p *Provider) Disconnect() wsrep.Status {
	p.mu.Lock()
	p.connected = false
	p.cond.Broadcast()
	p.mu.Unlock()
	view := wsrep.View{
		Status:    wsrep.ViewDisconnected,
		StateID:   wsrep.GtidUndefined,
		ViewSeqno: wsrep.SeqnoUndefined,
		OwnIndex:  -1,
	}
	p.client.OnView(view, nil)
	return wsrep.StatusSuccess
}

func (p *Provider) singletonView() wsrep.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wsrep.View{
		StateID:   wsrep.NewGTID(p.clusterID, p.seqno),
		ViewSeqno: 1,
		Status:    wsrep.ViewPrimary,
		OwnIndex:  0,
		Protocol:  1,
		Members: []wsrep.Member{
			{ID: p.clusterID, Name: "loopback", Incoming: "local"},
		},
	}
}

// SstBypass tells the server that no snapshot needs to be moved. The
// joiner can report a received snapshot at the current position right
// away.
func (p *Provider) SstBypass() wsrep.GTID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wsrep.NewGTID(p.clusterID, p.seqno)
}

// Sync delivers the synced event to the server.
func (p *Provider) Sync() {
	p.client.OnSync()
}

func (p *Provider) RunApplier(service wsrep.HighPriorityService) wsrep.Status {
	// nothing ever arrives on a single node
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.connected {
		p.cond.Wait()
	}
	return wsrep.StatusSuccess
}

func (p *Provider) nextSeqno() wsrep.Seqno {
	p.seqno++
	return p.seqno
}

func (p *Provider) Certify(
	clientID wsrep.ClientID, handle *wsrep.WsHandle, flags int,
	meta *wsrep.WsMeta) wsrep.Status {
	if hook := p.BeforeCertify; hook != nil {
		hook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return wsrep.StatusConnectionFailed
	}
	p.waitResumedLocked()
	if p.CertifyResult != wsrep.StatusSuccess {
		return p.CertifyResult
	}
	seqno := p.nextSeqno()
	*meta = wsrep.WsMeta{
		Gtid:      wsrep.NewGTID(p.clusterID, seqno),
		ServerID:  p.clusterID,
		ClientID:  clientID,
		TrxID:     handle.TrxID,
		DependsOn: seqno - 1,
		Flags:     flags,
	}
	log.Debugf("certified %v at seqno %v flags %x", handle.TrxID, seqno, flags)
	return wsrep.StatusSuccess
}

func (p *Provider) waitResumedLocked() {
	for p.paused {
		p.cond.Wait()
	}
}

func (p *Provider) CommitOrderEnter(handle *wsrep.WsHandle, meta *wsrep.WsMeta) wsrep.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CommitOrderError != wsrep.StatusSuccess {
		return p.CommitOrderError
	}
	return wsrep.StatusSuccess
}

func (p *Provider) CommitOrderLeave(handle *wsrep.WsHandle, meta *wsrep.WsMeta) wsrep.Status {
	return wsrep.StatusSuccess
}

func (p *Provider) Release(handle *wsrep.WsHandle) wsrep.Status {
	return wsrep.StatusSuccess
}

func (p *Provider) Replay(handle *wsrep.WsHandle, applier wsrep.HighPriorityService) wsrep.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ReplayResult
}

func (p *Provider) EnterToi(
	clientID wsrep.ClientID, keys []wsrep.Key, data []byte,
	meta *wsrep.WsMeta, flags int) wsrep.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return wsrep.StatusConnectionFailed
	}
	if p.ToiResult != wsrep.StatusSuccess {
		return p.ToiResult
	}
	seqno := p.nextSeqno()
	*meta = wsrep.WsMeta{
		Gtid:      wsrep.NewGTID(p.clusterID, seqno),
		ServerID:  p.clusterID,
		ClientID:  clientID,
		DependsOn: seqno - 1,
		Flags:     flags,
	}
	log.Debugf("TOI enter for client %v at seqno %v, %v keys",
		clientID, seqno, len(keys))
	return wsrep.StatusSuccess
}

func (p *Provider) LeaveToi(clientID wsrep.ClientID) wsrep.Status {
	return wsrep.StatusSuccess
}

func (p *Provider) Desync() wsrep.Status {
	return wsrep.StatusSuccess
}

func (p *Provider) Resync() wsrep.Status {
	return wsrep.StatusSuccess
}

func (p *Provider) Pause() (wsrep.Seqno, wsrep.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return wsrep.SeqnoUndefined, wsrep.StatusNotAllowed
	}
	p.paused = true
	return p.seqno, wsrep.StatusSuccess
}

func (p *Provider) Resume() wsrep.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return wsrep.StatusNotAllowed
	}
	p.paused = false
	p.cond.Broadcast()
	return wsrep.StatusSuccess
}

func (p *Provider) CausalRead(timeout time.Duration) (wsrep.GTID, wsrep.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return wsrep.GtidUndefined, wsrep.StatusConnectionFailed
	}
	return wsrep.NewGTID(p.clusterID, p.seqno), wsrep.StatusSuccess
}

func (p *Provider) WaitForGtid(gtid wsrep.GTID, timeout time.Duration) wsrep.Status {
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.seqno < gtid.Seqno {
		if time.Now().After(deadline) {
			return wsrep.StatusTransientError
		}
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
	}
	return wsrep.StatusSuccess
}

func (p *Provider) StatusVariables() []wsrep.StatusVariable {
	p.mu.Lock()
	defer p.mu.Unlock()
	connected := "false"
	if p.connected {
		connected = "true"
	}
	return []wsrep.StatusVariable{
		{Name: "loopback_connected", Value: connected},
		{Name: "loopback_last_seqno", Value: strconv.FormatInt(int64(p.seqno), 10)},
	}
}
