package txn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-replicator/internal/cdc"
	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/internal/shared"
)

type fakeParticipant struct {
	name      string
	log       *[]string
	commitErr error
}

func (f *fakeParticipant) Commit() error {
	*f.log = append(*f.log, "commit "+f.name)
	return f.commitErr
}

func (f *fakeParticipant) Rollback() error {
	*f.log = append(*f.log, "rollback "+f.name)
	return nil
}

type consumer struct {
	sync.Mutex
	records [][]*cdc.CaptureRecord
}

func (c *consumer) RegisterCaptureObjects(records []*cdc.CaptureRecord, _ time.Time) {
	c.Lock()
	defer c.Unlock()
	c.records = append(c.records, records)
}

func newManager() (*Manager, *cdc.Buffer, *consumer) {
	b := cdc.NewBuffer()
	c := &consumer{}
	return NewManager(b, func(shared.ReplicationStrategy) (cdc.Consumer, error) {
		return c, nil
	}), b, c
}

func prepare(b *cdc.Buffer, tx iface.Transaction) {
	b.Prepare(cdc.NewCaptureRecord(tx.Id(), tx.NextStatementId(), &shared.Modification{
		TableId:   1,
		Operation: shared.OperationDelete,
	}, []shared.PartitionId{1}))
}

func TestCommitOrderAndHandoff(t *testing.T) {
	m, b, c := newManager()
	tx, err := m.StartTransaction("test", true)
	require.NoError(t, err)
	var log []string
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := tx.Participant(name, func() (iface.Participant, error) {
			return &fakeParticipant{name: name, log: &log}, nil
		})
		require.NoError(t, err)
	}
	_, err = tx.Participant("a", func() (iface.Participant, error) {
		t.Fatal("participant opened twice")
		return nil, nil
	})
	require.NoError(t, err)
	prepare(b, tx)
	prepare(b, tx)

	require.NoError(t, tx.Commit())
	assert.Equal(t, []string{"commit a", "commit b"}, log)
	assert.False(t, tx.CommitTimestamp().IsZero())
	require.Len(t, c.records, 1)
	assert.Len(t, c.records[0], 2)
	assert.Equal(t, 0, b.Transactions())
	assert.Equal(t, int64(0), m.Active())

	assert.ErrorIs(t, tx.Commit(), ErrTransactionFinished)
	assert.ErrorIs(t, tx.Rollback(), ErrTransactionFinished)
	_, err = tx.Participant("c", nil)
	assert.ErrorIs(t, err, ErrTransactionFinished)
}

func TestRollbackDiscards(t *testing.T) {
	m, b, c := newManager()
	tx, _ := m.StartTransaction("test", true)
	var log []string
	_, _ = tx.Participant("a", func() (iface.Participant, error) {
		return &fakeParticipant{name: "a", log: &log}, nil
	})
	prepare(b, tx)

	require.NoError(t, tx.Rollback())
	assert.Equal(t, []string{"rollback a"}, log)
	assert.Empty(t, c.records)
	assert.Equal(t, 0, b.Transactions())
	assert.ErrorIs(t, tx.Commit(), ErrTransactionFinished)
	assert.Empty(t, c.records)
}

func TestFailedCommitRollsBackRemaining(t *testing.T) {
	m, b, c := newManager()
	tx, _ := m.StartTransaction("test", true)
	var log []string
	boom := errors.New("boom")
	_, _ = tx.Participant("a", func() (iface.Participant, error) {
		return &fakeParticipant{name: "a", log: &log, commitErr: boom}, nil
	})
	_, _ = tx.Participant("b", func() (iface.Participant, error) {
		return &fakeParticipant{name: "b", log: &log}, nil
	})
	prepare(b, tx)

	assert.ErrorIs(t, tx.Commit(), boom)
	assert.Equal(t, []string{"commit a", "rollback b"}, log)
	assert.Empty(t, c.records)
	assert.Equal(t, 0, b.Transactions())
}

func TestUncapturedTransactionNeverHandsOff(t *testing.T) {
	m, b, c := newManager()
	tx, _ := m.StartTransaction("replicator", false)
	prepare(b, tx)
	require.NoError(t, tx.Commit())
	assert.Empty(t, c.records)
	assert.Equal(t, 0, b.Transactions())
}

func TestHandoffFailureIsReported(t *testing.T) {
	b := cdc.NewBuffer()
	errMissing := errors.New("engine missing")
	m := NewManager(b, func(shared.ReplicationStrategy) (cdc.Consumer, error) {
		return nil, errMissing
	})
	tx, _ := m.StartTransaction("test", true)
	prepare(b, tx)
	assert.ErrorIs(t, tx.Commit(), errMissing)
}

func TestIdsAreUnique(t *testing.T) {
	m, _, _ := newManager()
	seen := make(map[shared.TransactionId]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _ := m.StartTransaction("test", true)
			mu.Lock()
			seen[tx.Id()] = struct{}{}
			mu.Unlock()
			_ = tx.Rollback()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	assert.Equal(t, int64(0), m.Active())
}
