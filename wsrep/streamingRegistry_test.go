package wsrep

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryStreamingClientBalance(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, true)

	f.server.StartStreamingClient(client)
	require.Equal(t, 1, f.server.StreamingClientCount())
	f.server.StopStreamingClient(client.ID())
	require.Equal(t, 0, f.server.StreamingClientCount())
}

func TestRegistryDuplicateStreamingClientPanics(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, true)
	f.server.StartStreamingClient(client)
	defer func() {
		require.NotNil(t, recover())
	}()
	f.server.StartStreamingClient(client)
}

func TestRegistryStopUnknownStreamingClientPanics(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	defer func() {
		require.NotNil(t, recover())
	}()
	f.server.StopStreamingClient(7)
}

func TestRegistryStreamingApplier(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	origin := RandomID()
	applier := &mockHighPriorityService{}

	require.Nil(t, f.server.FindStreamingApplier(origin, 100))
	f.server.StartStreamingApplier(origin, 100, applier)
	require.Equal(t, applier,
		f.server.FindStreamingApplier(origin, 100).(*mockHighPriorityService))
	f.server.StopStreamingApplier(origin, 100)
	require.Nil(t, f.server.FindStreamingApplier(origin, 100))
}

func TestRegistryDuplicateStreamingApplierPanics(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	origin := RandomID()
	f.server.StartStreamingApplier(origin, 100, &mockHighPriorityService{})
	defer func() {
		require.NotNil(t, recover())
	}()
	f.server.StartStreamingApplier(origin, 100, &mockHighPriorityService{})
}

func TestRegistryConvertStreamingClientToApplier(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, true)
	client.Transaction().Start(100)
	f.server.StartStreamingClient(client)

	f.server.ConvertStreamingClientToApplier(client)
	require.Equal(t, 0, f.server.StreamingClientCount())
	require.NotNil(t, f.server.FindStreamingApplier(f.server.ID(), 100))
}

func TestOnViewClosesForeignStreamingAppliers(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	foreign := RandomID()
	applier := &mockHighPriorityService{}
	f.server.StartStreamingApplier(foreign, 200, applier)

	// the new view does not contain the foreign origin
	f.server.OnView(f.primaryView(), nil)
	require.Nil(t, f.server.FindStreamingApplier(foreign, 200))
	require.Equal(t, 1, applier.rollbacks)
	require.Equal(t, 1, f.service.released)
}

func TestDisconnectViewDrainsRegistries(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, true)
	f.server.StartStreamingClient(client)
	applier := &mockHighPriorityService{}
	f.server.StartStreamingApplier(RandomID(), 300, applier)

	f.server.Disconnect()
	f.server.OnView(View{Status: ViewDisconnected, OwnIndex: -1}, nil)
	require.Equal(t, 0, f.server.StreamingClientCount())
	require.Equal(t, 0, f.server.StreamingApplierCount())
	require.Equal(t, 1, applier.rollbacks)
}

func TestOnApplyWholeWriteSet(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	applier := &mockHighPriorityService{}
	meta := WsMeta{
		Gtid:     NewGTID(f.provider.clusterID, 1),
		ServerID: RandomID(),
		TrxID:    100,
		Flags:    FlagStartTransaction | FlagCommit,
	}

	ret := f.server.OnApply(applier, WsHandle{TrxID: 100}, meta, []byte{1})
	require.Equal(t, 0, ret)
	require.Equal(t, 1, applier.started)
	require.Equal(t, 1, applier.applied)
	require.Equal(t, 1, applier.commits)
}

func TestOnApplyFailedApplyingRollsBack(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	applier := &mockHighPriorityService{failNextApplying: true}
	meta := WsMeta{
		Gtid:     NewGTID(f.provider.clusterID, 1),
		ServerID: RandomID(),
		TrxID:    100,
		Flags:    FlagStartTransaction | FlagCommit,
	}

	ret := f.server.OnApply(applier, WsHandle{TrxID: 100}, meta, []byte{1})
	require.Equal(t, 0, ret)
	require.Equal(t, 1, applier.rollbacks)
	require.Equal(t, 0, applier.commits)
}

func TestOnApplyStreamingFragments(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	origin := RandomID()
	handle := WsHandle{TrxID: 100}

	first := WsMeta{
		Gtid:     NewGTID(f.provider.clusterID, 1),
		ServerID: origin,
		TrxID:    100,
		Flags:    FlagStartTransaction,
	}
	require.Equal(t, 0, f.server.OnApply(&mockHighPriorityService{}, handle, first, []byte{1}))
	require.Equal(t, 1, f.server.StreamingApplierCount())
	require.Len(t, f.service.appliers, 1)
	applier := f.service.appliers[0]
	require.Equal(t, 1, applier.started)
	require.Equal(t, 1, applier.fragments)

	middle := first
	middle.Flags = 0
	middle.Gtid = NewGTID(f.provider.clusterID, 2)
	require.Equal(t, 0, f.server.OnApply(&mockHighPriorityService{}, handle, middle, []byte{2}))
	require.Equal(t, 2, applier.fragments)

	last := first
	last.Flags = FlagCommit
	last.Gtid = NewGTID(f.provider.clusterID, 3)
	require.Equal(t, 0, f.server.OnApply(&mockHighPriorityService{}, handle, last, []byte{3}))
	require.Equal(t, 1, applier.applied)
	require.Equal(t, 1, applier.commits)
	require.Equal(t, 0, f.server.StreamingApplierCount())
	require.Equal(t, 1, f.service.released)
}

func TestOnApplyRollbackFragment(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	origin := RandomID()
	applier := &mockHighPriorityService{}
	f.server.StartStreamingApplier(origin, 100, applier)

	meta := WsMeta{
		Gtid:     NewGTID(f.provider.clusterID, 4),
		ServerID: origin,
		TrxID:    100,
		Flags:    FlagRollback,
	}
	require.Equal(t, 0, f.server.OnApply(&mockHighPriorityService{}, WsHandle{TrxID: 100}, meta, nil))
	require.Equal(t, 1, applier.rollbacks)
	require.Equal(t, 0, f.server.StreamingApplierCount())

	// a rollback for a transaction never seen here is ignored
	unknown := meta
	unknown.TrxID = 999
	require.Equal(t, 0, f.server.OnApply(&mockHighPriorityService{}, WsHandle{TrxID: 999}, unknown, nil))
}

func TestOnApplyToi(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	applier := &mockHighPriorityService{}
	meta := WsMeta{
		Gtid:     NewGTID(f.provider.clusterID, 5),
		ServerID: RandomID(),
		Flags:    FlagIsolation | FlagStartTransaction | FlagCommit,
	}
	require.Equal(t, 0, f.server.OnApply(applier, WsHandle{}, meta, []byte{1}))
	require.Equal(t, 1, applier.tois)
}
