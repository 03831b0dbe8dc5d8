package trust

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
)

type fakeGraduator struct {
	calls []string
}

func (f *fakeGraduator) AmendBaseTier(capability, scope string, tier contracts.RiskTier) {
	f.calls = append(f.calls, fmt.Sprintf("%s|%s|%s", capability, scope, tier))
}

func terminalReceipt(capability, scope string, tier contracts.RiskTier, status contracts.ReceiptStatus) contracts.Receipt {
	return contracts.Receipt{
		ReceiptID:  "rcpt-" + capability,
		Capability: capability,
		Scope:      scope,
		Tier:       tier,
		Status:     status,
	}
}

func TestStreakBuildsAndResets(t *testing.T) {
	l := NewLedger(nil)

	for i := 0; i < 3; i++ {
		l.Observe(terminalReceipt("fs.write", "docs", contracts.TierReversible, contracts.StatusSuccess))
	}
	rec, ok := l.Record("fs.write", "docs")
	require.True(t, ok)
	assert.Equal(t, 3, rec.ConsecutiveSuccesses)

	l.Observe(terminalReceipt("fs.write", "docs", contracts.TierReversible, contracts.StatusFailure))
	rec, _ = l.Record("fs.write", "docs")
	assert.Equal(t, 0, rec.ConsecutiveSuccesses)
	assert.Equal(t, int64(1), rec.Failures)
	assert.InDelta(t, 0.75, rec.SuccessRate, 1e-9)
}

func TestRollbackResetsStreakAndBlocksEligibility(t *testing.T) {
	l := NewLedger(nil).WithThreshold(2)

	r := terminalReceipt("fs.write", "docs", contracts.TierReversible, contracts.StatusSuccess)
	r.Rollback = &contracts.RollbackRecord{Outcome: contracts.RollbackSucceeded}
	l.Observe(r)

	for i := 0; i < 5; i++ {
		l.Observe(terminalReceipt("fs.write", "docs", contracts.TierReversible, contracts.StatusSuccess))
	}
	rec, _ := l.Record("fs.write", "docs")
	assert.False(t, rec.Eligible)
	assert.Equal(t, int64(1), rec.Rollbacks)
}

func TestPendingReceiptsIgnored(t *testing.T) {
	l := NewLedger(nil)
	l.Observe(terminalReceipt("net.get", "example.com", contracts.TierReversible, contracts.StatusPending))
	l.Observe(terminalReceipt("net.get", "example.com", contracts.TierReversible, contracts.StatusCancelled))
	_, ok := l.Record("net.get", "example.com")
	assert.False(t, ok)
}

func TestIrreversibleGraduationProposal(t *testing.T) {
	grad := &fakeGraduator{}
	l := NewLedger(grad).WithThreshold(10)

	for i := 0; i < 10; i++ {
		l.Observe(terminalReceipt("net.post", "connector.email", contracts.TierIrreversible, contracts.StatusSuccess))
	}

	pending := l.Proposals(contracts.ProposalPending)
	require.Len(t, pending, 1)
	p := pending[0]
	assert.Equal(t, contracts.ProposalTierGraduation, p.Kind)
	assert.Equal(t, contracts.TierIrreversible, p.FromTier)
	assert.Equal(t, contracts.TierControlled, p.ToTier)
	assert.Equal(t, 10, p.Evidence.Streak)

	// More successes do not duplicate the pending proposal.
	l.Observe(terminalReceipt("net.post", "connector.email", contracts.TierIrreversible, contracts.StatusSuccess))
	assert.Len(t, l.Proposals(contracts.ProposalPending), 1)

	// Acceptance amends the classifier for that scope only.
	accepted, err := l.Accept(p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalAccepted, accepted.Status)
	require.Len(t, grad.calls, 1)
	assert.Equal(t, "net.post|connector.email|T2", grad.calls[0])

	// Accepting twice fails.
	_, err = l.Accept(p.ID)
	assert.Error(t, err)
}

func TestDeclineLeavesConfigurationUntouched(t *testing.T) {
	grad := &fakeGraduator{}
	l := NewLedger(grad).WithThreshold(2)

	for i := 0; i < 2; i++ {
		l.Observe(terminalReceipt("net.post", "connector.email", contracts.TierIrreversible, contracts.StatusSuccess))
	}
	pending := l.Proposals(contracts.ProposalPending)
	require.Len(t, pending, 1)

	_, err := l.Decline(pending[0].ID)
	require.NoError(t, err)
	assert.Empty(t, grad.calls)
	assert.Empty(t, l.Proposals(contracts.ProposalPending))
}

func TestAutoApprovalRuleCaps(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLedger(nil).WithThreshold(2).WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		l.Observe(terminalReceipt("shell.exec", "build", contracts.TierControlled, contracts.StatusSuccess))
	}
	pending := l.Proposals(contracts.ProposalPending)
	require.Len(t, pending, 1)
	require.Equal(t, contracts.ProposalAutoApprovalRule, pending[0].Kind)
	assert.Equal(t, 5, pending[0].DailyCap)

	// Not active before acceptance.
	_, ok := l.Authorize("shell.exec", "build")
	assert.False(t, ok)

	_, err := l.Accept(pending[0].ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		id, ok := l.Authorize("shell.exec", "build")
		assert.True(t, ok)
		assert.NotEmpty(t, id)
	}
	// Daily cap reached.
	_, ok = l.Authorize("shell.exec", "build")
	assert.False(t, ok)

	// Cap resets at the day boundary.
	now = now.Add(24 * time.Hour)
	_, ok = l.Authorize("shell.exec", "build")
	assert.True(t, ok)
}
