package wsrep

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamingByteFragments(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentBytes, 1024))

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	require.Equal(t, 0, txn.AppendData(make([]byte, 2048)))

	require.Equal(t, TxnExecuting, txn.State())
	fragments := txn.Streaming().Fragments()
	require.Len(t, fragments, 2)
	require.Equal(t, []Seqno{1, 2}, fragments)
	require.Equal(t, 2, f.provider.certifies)
	require.Equal(t, 1, f.server.StreamingClientCount())
	require.True(t, txn.Certified())
}

func TestStreamingStatementFragments(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentStatements, 1))

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	require.Equal(t, 0, txn.AppendData([]byte("insert")))
	require.Equal(t, AsrSuccess, client.AfterStatement())
	require.Equal(t, 1, txn.Streaming().FragmentsSent())

	client.AfterCommandBeforeResult()
	client.AfterCommandAfterResult()

	require.Equal(t, 0, client.BeforeCommand())
	require.Equal(t, 0, txn.AppendData([]byte("insert")))
	require.Equal(t, AsrSuccess, client.AfterStatement())
	require.Equal(t, 2, txn.Streaming().FragmentsSent())
}

func TestStreamingRowFragments(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentRows, 2))

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	for i := 0; i < 4; i++ {
		require.Equal(t, 0, txn.AppendData([]byte{byte(i)}))
		require.Equal(t, 0, txn.AfterRow())
	}
	require.Equal(t, 2, txn.Streaming().FragmentsSent())
}

func TestStreamingCommitRemovesFragments(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentBytes, 1))

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	require.Equal(t, 0, txn.AppendData([]byte{1}))
	require.Equal(t, 1, f.server.StreamingClientCount())

	require.Equal(t, 0, txn.BeforeCommit())
	require.Equal(t, 0, txn.OrderedCommit())
	require.Equal(t, 0, txn.AfterCommit())
	require.Equal(t, TxnCommitted, txn.State())
	require.Equal(t, 0, f.server.StreamingClientCount())

	require.Equal(t, AsrSuccess, client.AfterStatement())
	client.AfterCommandBeforeResult()
	client.AfterCommandAfterResult()
	require.False(t, txn.Active())
}

func TestStreamingRollbackReplicatesRollbackFragment(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, service := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentBytes, 1))

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	require.Equal(t, 0, txn.AppendData([]byte{1}))
	certifiesBefore := f.provider.certifies

	txn.BfAbort(5)
	require.Equal(t, AsrError, client.AfterStatement())
	require.Equal(t, TxnAborted, txn.State())
	// one extra certification for the rollback fragment
	require.Equal(t, certifiesBefore+1, f.provider.certifies)
	require.Equal(t, 1, service.rollbacks)
	require.Equal(t, 0, f.server.StreamingClientCount())
}

func TestStreamingFragmentUnitChangeRejected(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentBytes, 1))

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	require.Equal(t, 0, txn.AppendData([]byte{1}))

	require.Equal(t, 1, client.EnableStreaming(FragmentRows, 10))
	require.Equal(t, 0, client.EnableStreaming(FragmentBytes, 4096))
}

func TestStreamingCertifyFailureAborts(t *testing.T) {
	f := newFixture(false, RollbackModeAsync)
	f.connectToPrimary()
	client, _ := f.newClient(1, ModeReplicating, false)
	require.Equal(t, 0, client.EnableStreaming(FragmentBytes, 1))
	f.provider.certifyResult = StatusCertificationFailed

	require.Equal(t, 0, client.BeforeCommand())
	txn := client.Transaction()
	require.Equal(t, 0, txn.Start(100))
	require.Equal(t, 1, txn.AppendData([]byte{1}))
	require.Equal(t, TxnMustAbort, txn.State())
	require.Equal(t, EDeadlockError, client.CurrentError())
	require.Equal(t, 0, f.server.StreamingClientCount())
}
