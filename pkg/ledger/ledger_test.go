package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

func sampleReceipt(i int) contracts.Receipt {
	return contracts.Receipt{
		ReceiptID:   fmt.Sprintf("rcpt-%03d", i),
		RequestID:   fmt.Sprintf("req-%03d", i),
		SessionID:   "sess-1",
		Capability:  "fs.write",
		Target:      fmt.Sprintf("docs/f%d.txt", i),
		Scope:       "docs",
		Tier:        contracts.TierReversible,
		Status:      contracts.StatusSuccess,
		SubmittedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
		FinalizedAt: time.Date(2026, 3, 1, 12, 0, i+1, 0, time.UTC),
	}
}

func TestAppendChainsReceipts(t *testing.T) {
	l, err := NewLedger(NewMemoryStore())
	require.NoError(t, err)

	r0, err := l.Append(sampleReceipt(0))
	require.NoError(t, err)
	r1, err := l.Append(sampleReceipt(1))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), r0.Sequence)
	assert.Equal(t, GenesisHash, r0.PrevHash)
	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, r0.ThisHash, r1.PrevHash)
	assert.NotEqual(t, r0.ThisHash, r1.ThisHash)
}

func TestVerifyCleanChain(t *testing.T) {
	l, err := NewLedger(NewMemoryStore())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(sampleReceipt(i))
		require.NoError(t, err)
	}

	report, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, uint64(5), report.Count)
	assert.NotEmpty(t, report.Head)
}

func TestVerifyDetectsTamperingAndHalts(t *testing.T) {
	store := NewMemoryStore()
	l, err := NewLedger(store)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(sampleReceipt(i))
		require.NoError(t, err)
	}

	store.Tamper(2, func(r *contracts.Receipt) { r.Status = contracts.StatusFailure })

	_, err = l.Verify()
	require.Error(t, err)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, uint64(2), integrity.Sequence)
	assert.ErrorIs(t, err, contracts.ErrChainIntegrity)

	assert.True(t, l.Halted())
	_, err = l.Append(sampleReceipt(9))
	assert.ErrorIs(t, err, contracts.ErrChainIntegrity)
}

func TestReopenResumesChain(t *testing.T) {
	store := NewMemoryStore()
	l1, err := NewLedger(store)
	require.NoError(t, err)
	r0, err := l1.Append(sampleReceipt(0))
	require.NoError(t, err)

	l2, err := NewLedger(store)
	require.NoError(t, err)
	r1, err := l2.Append(sampleReceipt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Sequence)
	assert.Equal(t, r0.ThisHash, r1.PrevHash)

	report, err := l2.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestQueryFilters(t *testing.T) {
	l, err := NewLedger(NewMemoryStore())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r := sampleReceipt(i)
		if i == 1 {
			r.Status = contracts.StatusFailure
			r.Capability = "shell.exec"
		}
		_, err := l.Append(r)
		require.NoError(t, err)
	}

	failures, err := l.Query(Filter{Status: contracts.StatusFailure})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "shell.exec", failures[0].Capability)

	tier := contracts.TierReversible
	all, err := l.Query(Filter{SessionID: "sess-1", Tier: &tier, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChildrenIndex(t *testing.T) {
	l, err := NewLedger(NewMemoryStore())
	require.NoError(t, err)

	parent := sampleReceipt(0)
	_, err = l.Append(parent)
	require.NoError(t, err)
	for i := 1; i < 3; i++ {
		child := sampleReceipt(i)
		child.ParentID = parent.RequestID
		_, err := l.Append(child)
		require.NoError(t, err)
	}

	kids, err := l.Children(parent.RequestID)
	require.NoError(t, err)
	assert.Len(t, kids, 2)
}

func TestComputeHashDeterministic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	props := gopter.NewProperties(params)

	props.Property("hash is stable and prev-sensitive", prop.ForAll(
		func(id string, seq uint64) bool {
			r := sampleReceipt(0)
			r.ReceiptID = id
			r.Sequence = seq
			h1, err1 := ComputeHash(r, GenesisHash)
			h2, err2 := ComputeHash(r, GenesisHash)
			h3, err3 := ComputeHash(r, "sha256:other")
			return err1 == nil && err2 == nil && err3 == nil && h1 == h2 && h1 != h3
		},
		gen.Identifier(),
		gen.UInt64(),
	))
	props.TestingRun(t)
}

func TestSQLiteRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(t.TempDir() + "/receipts.db")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	l, err := NewLedger(store)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		r := sampleReceipt(i)
		if i == 2 {
			r.ParentID = "req-000"
		}
		_, err := l.Append(r)
		require.NoError(t, err)
	}

	report, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, uint64(3), report.Count)

	got, err := store.Query(Filter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	kids, err := store.Children("req-000")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "rcpt-002", kids[0].ReceiptID)

	// Reopen resumes from persisted head.
	l2, err := NewLedger(store)
	require.NoError(t, err)
	r, err := l2.Append(sampleReceipt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.Sequence)
}
