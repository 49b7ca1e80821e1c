package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/observability/alerting"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now 每次调用前进一秒，保证审计与验证时间严格递增。
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeGate struct {
	mu    sync.Mutex
	holds []Hold
}

func (g *fakeGate) Holds(context.Context, string) ([]Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Hold(nil), g.holds...), nil
}

type stubCustody struct {
	custody.Custody
	committed bool
	refunds   int
	err       error
}

func (s *stubCustody) ConfirmPayIn(_ context.Context, acct custody.Account, n custody.PayInNotice) (custody.Receipt, error) {
	return custody.Receipt{Backend: acct.Backend, Reference: n.Reference, AmountMinor: n.AmountMinor, Currency: acct.Currency}, s.err
}

func (s *stubCustody) Release(context.Context, custody.Account) (custody.Receipt, error) {
	return custody.Receipt{}, s.err
}

func (s *stubCustody) Refund(context.Context, custody.Account) (custody.Receipt, error) {
	s.refunds++
	return custody.Receipt{}, s.err
}

func (s *stubCustody) NotifyDispute(context.Context, custody.Account, string) error { return s.err }

func (s *stubCustody) Committed(context.Context, custody.Account) (bool, error) {
	return s.committed, nil
}

type recordingObserver struct {
	mu            sync.Mutex
	transitions   []TransitionRecord
	verifications []VerificationRecord
}

func (r *recordingObserver) OnTransition(_ context.Context, rec TransitionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, rec)
}

func (r *recordingObserver) OnVerification(_ context.Context, rec VerificationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifications = append(r.verifications, rec)
}

func newTestMachine(t *testing.T, c custody.Custody, opts ...Option) (*Machine, *MemoryStore) {
	t.Helper()
	if c == nil {
		c = custody.NewLedger()
	}
	store := NewMemoryStore()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewMachine(store, c, opts...), store
}

func initiate(t *testing.T, m *Machine) Workflow {
	t.Helper()
	wf, err := m.Initiate(context.Background(), InitiateRequest{
		SessionID: "session-1",
		ListingID: "listing-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Backend:   custody.BackendFiat,
		Amount:    50000,
		Currency:  "usd",
		Actor:     "orchestrator",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return wf
}

func fund(t *testing.T, m *Machine, id string) {
	t.Helper()
	if _, err := m.ConfirmFunding(context.Background(), id, custody.PayInNotice{Reference: "pay-1", AmountMinor: 50000, Currency: "USD"}); err != nil {
		t.Fatalf("confirm funding: %v", err)
	}
}

func verify(t *testing.T, m *Machine, id string, kind Kind, by Verifier, outcome bool) {
	t.Helper()
	if _, err := m.SubmitVerification(context.Background(), VerificationEvent{EscrowID: id, Kind: kind, VerifiedBy: by, VerifierID: string(by) + "-1", Outcome: outcome}); err != nil {
		t.Fatalf("submit %s verification: %v", kind, err)
	}
}

func TestExampleScenarioEndsWithFourAuditEntries(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)

	wf := initiate(t, m)
	if wf.Status != StatusInitiated || wf.Amount != 50000 || wf.Currency != "USD" {
		t.Fatalf("unexpected initiated escrow: %+v", wf)
	}
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)
	verify(t, m, wf.ID, KindDocumentSignature, VerifierSeller, true)

	got, err := m.Get(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFunded || !got.Verified {
		t.Fatalf("expected funded and verified escrow, got %+v", got)
	}

	released, err := m.Release(ctx, wf.ID, ReleaseRequest{Actor: "buyer-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}

	_, err = m.Release(ctx, wf.ID, ReleaseRequest{Actor: "buyer-1"})
	if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) || !xerrors.IsDuplicate(err) {
		t.Fatalf("expected duplicate INVALID_TRANSITION, got %v", err)
	}

	trail, err := m.AuditTrail(ctx, wf.ID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 4 {
		t.Fatalf("expected 4 audit entries, got %d: %+v", len(trail), trail)
	}
	wantActions := []Event{EventInitiated, EventFundsConfirmed, EventReleaseApproved, EventReleaseApproved}
	wantOutcomes := []Outcome{OutcomeApplied, OutcomeApplied, OutcomeApplied, OutcomeDuplicate}
	for i, entry := range trail {
		if entry.Action != wantActions[i] || entry.Outcome != wantOutcomes[i] {
			t.Fatalf("entry %d: got %s/%s", i, entry.Action, entry.Outcome)
		}
	}
	if err := m.VerifyAudit(ctx, wf.ID); err != nil {
		t.Fatalf("audit chain should verify: %v", err)
	}
}

func TestFundingAmountMismatchIsRejectedAndAudited(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)

	_, err := m.ConfirmFunding(ctx, wf.ID, custody.PayInNotice{Reference: "pay-short", AmountMinor: 40000})
	if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
	got, _ := m.Get(ctx, wf.ID)
	if got.Status != StatusInitiated {
		t.Fatalf("status changed on mismatch: %s", got.Status)
	}
	trail, _ := m.AuditTrail(ctx, wf.ID)
	if len(trail) != 2 || trail[1].Outcome != OutcomeRejected || trail[1].Data["reason"] != ReasonAmountMismatch {
		t.Fatalf("expected rejected audit entry, got %+v", trail)
	}

	fund(t, m, wf.ID)
	got, _ = m.Get(ctx, wf.ID)
	if got.Status != StatusFunded || got.FundingReference != "pay-1" || got.FundedVia != custody.BackendFiat || got.FundedAt.IsZero() {
		t.Fatalf("unexpected funded escrow: %+v", got)
	}
}

func TestReleaseRequiresVerificationOrMutualConsent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)

	_, err := m.Release(ctx, wf.ID, ReleaseRequest{})
	if !xerrors.IsCode(err, xerrors.CodeVerificationMismatch) {
		t.Fatalf("expected VERIFICATION_MISMATCH, got %v", err)
	}

	verify(t, m, wf.ID, KindReleaseConsent, VerifierBuyer, true)
	_, err = m.Release(ctx, wf.ID, ReleaseRequest{Mutual: true})
	if !xerrors.IsCode(err, xerrors.CodeVerificationMismatch) {
		t.Fatalf("one-sided consent must not release, got %v", err)
	}

	verify(t, m, wf.ID, KindReleaseConsent, VerifierSeller, true)
	got, err := m.Release(ctx, wf.ID, ReleaseRequest{Mutual: true})
	if err != nil || got.Status != StatusReleased {
		t.Fatalf("mutual release failed: %v %+v", err, got)
	}
}

func TestLatestVerificationOutcomeWins(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)
	verify(t, m, wf.ID, KindDocumentSignature, VerifierSeller, true)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, false)

	got, _ := m.Get(ctx, wf.ID)
	if got.Verified {
		t.Fatalf("verified should drop after a failing inspection")
	}
	if _, err := m.Release(ctx, wf.ID, ReleaseRequest{}); !xerrors.IsCode(err, xerrors.CodeVerificationMismatch) {
		t.Fatalf("expected VERIFICATION_MISMATCH, got %v", err)
	}
}

func TestAnomalyHoldRequiresLaterReview(t *testing.T) {
	ctx := context.Background()
	gate := &fakeGate{}
	clock := newFakeClock()
	m := NewMachine(NewMemoryStore(), custody.NewLedger(), WithClock(clock.Now), WithGate(gate))
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)
	verify(t, m, wf.ID, KindDocumentSignature, VerifierSeller, true)
	verify(t, m, wf.ID, KindAnomalyReview, VerifierOperator, true)

	gate.mu.Lock()
	gate.holds = []Hold{{AnomalyID: "a-1", Kind: "inconsistent_verification", FlaggedAt: clock.Now()}}
	gate.mu.Unlock()

	_, err := m.Release(ctx, wf.ID, ReleaseRequest{})
	if !xerrors.IsCode(err, xerrors.CodeAnomalyBlock) {
		t.Fatalf("review before the anomaly must not clear it, got %v", err)
	}

	verify(t, m, wf.ID, KindAnomalyReview, VerifierOperator, true)
	if _, err := m.Release(ctx, wf.ID, ReleaseRequest{}); err != nil {
		t.Fatalf("release after review: %v", err)
	}
}

func TestReleaseBlocksConcernsTheGateHasNotSeen(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil, WithGate(&fakeGate{}))
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindDocumentSignature, VerifierSeller, true)
	verify(t, m, wf.ID, KindInspection, VerifierBuyer, false)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)

	if _, err := m.Release(ctx, wf.ID, ReleaseRequest{}); !xerrors.IsCode(err, xerrors.CodeAnomalyBlock) {
		t.Fatalf("disputed inspection must block release before any hold is recorded, got %v", err)
	}
	verify(t, m, wf.ID, KindAnomalyReview, VerifierOperator, true)

	verify(t, m, wf.ID, KindAutomatedTrigger, VerifierDevice, false)
	if _, err := m.Release(ctx, wf.ID, ReleaseRequest{}); !xerrors.IsCode(err, xerrors.CodeAnomalyBlock) {
		t.Fatalf("device failure after the review must block release, got %v", err)
	}

	verify(t, m, wf.ID, KindAnomalyReview, VerifierOperator, true)
	got, err := m.Release(ctx, wf.ID, ReleaseRequest{})
	if err != nil || got.Status != StatusReleased {
		t.Fatalf("release after second review: %+v %v", got, err)
	}
}

func TestAnomalyHoldOverridesMutualConsent(t *testing.T) {
	gate := &fakeGate{holds: []Hold{{AnomalyID: "a-1", Kind: "funding_mismatch", FlaggedAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}}}
	m, _ := newTestMachine(t, nil, WithGate(gate))
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindReleaseConsent, VerifierBuyer, true)
	verify(t, m, wf.ID, KindReleaseConsent, VerifierSeller, true)

	if _, err := m.Release(context.Background(), wf.ID, ReleaseRequest{Mutual: true}); !xerrors.IsCode(err, xerrors.CodeAnomalyBlock) {
		t.Fatalf("expected ANOMALY_BLOCK, got %v", err)
	}
}

func TestRefundGuards(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	fund(t, m, wf.ID)

	_, err := m.Refund(ctx, wf.ID, RefundRequest{RequestedBy: VerifierBuyer, AcceptedBy: VerifierBuyer})
	if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("self-accepted refund must be rejected, got %v", err)
	}

	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)
	verify(t, m, wf.ID, KindInspection, VerifierBuyer, false)
	_, err = m.Refund(ctx, wf.ID, RefundRequest{RequestedBy: VerifierBuyer, AcceptedBy: VerifierSeller})
	if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("disputed verification must block refund, got %v", err)
	}

	verify(t, m, wf.ID, KindInspection, VerifierBuyer, true)
	got, err := m.Refund(ctx, wf.ID, RefundRequest{RequestedBy: VerifierBuyer, AcceptedBy: VerifierSeller})
	if err != nil || got.Status != StatusRefunded {
		t.Fatalf("refund failed: %v %+v", err, got)
	}
}

func TestDisputeResolution(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	fund(t, m, wf.ID)

	got, err := m.RaiseDispute(ctx, wf.ID, DisputeRequest{RaisedBy: VerifierBuyer, Reason: "item not as described"})
	if err != nil || got.Status != StatusDisputed || !got.DisputeRaised {
		t.Fatalf("raise dispute: %v %+v", err, got)
	}

	_, err = m.Release(ctx, wf.ID, ReleaseRequest{Mutual: true})
	if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) || xerrors.IsDuplicate(err) {
		t.Fatalf("release from disputed must be a plain rejection, got %v", err)
	}

	_, err = m.ResolveDispute(ctx, wf.ID, Resolution{Decision: StatusCancelled})
	if err == nil {
		t.Fatalf("expected invalid decision to be rejected")
	}

	got, err = m.ResolveDispute(ctx, wf.ID, Resolution{Decision: StatusRefunded, Actor: "operator-1"})
	if err != nil || got.Status != StatusRefunded || got.Resolution != StatusRefunded {
		t.Fatalf("resolve: %v %+v", err, got)
	}
	if err := m.VerifyAudit(ctx, wf.ID); err != nil {
		t.Fatalf("audit chain: %v", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("initiated", func(t *testing.T) {
		m, _ := newTestMachine(t, nil)
		wf := initiate(t, m)
		got, err := m.Cancel(ctx, wf.ID, CancelRequest{Reason: "buyer withdrew"})
		if err != nil || got.Status != StatusCancelled {
			t.Fatalf("cancel: %v %+v", err, got)
		}
	})

	t.Run("funded and uncommitted refunds", func(t *testing.T) {
		c := &stubCustody{}
		m, _ := newTestMachine(t, c)
		wf := initiate(t, m)
		fund(t, m, wf.ID)
		got, err := m.Cancel(ctx, wf.ID, CancelRequest{})
		if err != nil || got.Status != StatusCancelled || c.refunds != 1 {
			t.Fatalf("cancel funded: %v %+v refunds=%d", err, got, c.refunds)
		}
	})

	t.Run("funded and committed", func(t *testing.T) {
		c := &stubCustody{committed: true}
		m, _ := newTestMachine(t, c)
		wf := initiate(t, m)
		fund(t, m, wf.ID)
		_, err := m.Cancel(ctx, wf.ID, CancelRequest{})
		if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) || c.refunds != 0 {
			t.Fatalf("expected INVALID_TRANSITION without refund, got %v refunds=%d", err, c.refunds)
		}
	})

	t.Run("released", func(t *testing.T) {
		m, _ := newTestMachine(t, nil)
		wf := initiate(t, m)
		fund(t, m, wf.ID)
		verify(t, m, wf.ID, KindReleaseConsent, VerifierBuyer, true)
		verify(t, m, wf.ID, KindReleaseConsent, VerifierSeller, true)
		if _, err := m.Release(ctx, wf.ID, ReleaseRequest{Mutual: true}); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, err := m.Cancel(ctx, wf.ID, CancelRequest{}); !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
			t.Fatalf("expected INVALID_TRANSITION, got %v", err)
		}
	})
}

func TestCustodyFailureIsRetryableAndAudited(t *testing.T) {
	ctx := context.Background()
	c := &stubCustody{}
	m, _ := newTestMachine(t, c)
	wf := initiate(t, m)

	c.err = xerrors.New(xerrors.CodeCustodyFailure, "gateway down")
	_, err := m.ConfirmFunding(ctx, wf.ID, custody.PayInNotice{Reference: "p", AmountMinor: 50000})
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable custody failure, got %v", err)
	}
	trail, _ := m.AuditTrail(ctx, wf.ID)
	last := trail[len(trail)-1]
	if last.Outcome != OutcomeRejected || last.Data["reason"] != ReasonCustody {
		t.Fatalf("expected custody rejection in audit, got %+v", last)
	}

	c.err = nil
	fund(t, m, wf.ID)
}

func TestVerificationOnTerminalEscrowIsRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	if _, err := m.Cancel(ctx, wf.ID, CancelRequest{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := m.SubmitVerification(ctx, VerificationEvent{EscrowID: wf.ID, Kind: KindInspection, VerifiedBy: VerifierAgent, Outcome: true})
	if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
	events, _ := m.Verifications(ctx, wf.ID)
	if len(events) != 0 {
		t.Fatalf("rejected verification was stored: %+v", events)
	}
	trail, _ := m.AuditTrail(ctx, wf.ID)
	last := trail[len(trail)-1]
	if last.Action != EventVerification || last.Outcome != OutcomeRejected {
		t.Fatalf("expected audited rejection, got %+v", last)
	}
}

func TestSubmitVerificationValidation(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	cases := []VerificationEvent{
		{EscrowID: "", Kind: KindInspection, VerifiedBy: VerifierAgent},
		{EscrowID: wf.ID, Kind: "telepathy", VerifiedBy: VerifierAgent},
		{EscrowID: wf.ID, Kind: KindInspection, VerifiedBy: "stranger"},
		{EscrowID: wf.ID, Kind: KindAnomalyReview, VerifiedBy: VerifierBuyer},
		{EscrowID: wf.ID, Kind: KindReleaseConsent, VerifiedBy: VerifierDevice},
	}
	for _, ev := range cases {
		if _, err := m.SubmitVerification(context.Background(), ev); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected INVALID_ARGUMENT for %+v, got %v", ev, err)
		}
	}
	if _, err := m.SubmitVerification(context.Background(), VerificationEvent{EscrowID: "missing", Kind: KindInspection, VerifiedBy: VerifierAgent}); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestConcurrentReleasesExactlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)
	verify(t, m, wf.ID, KindDocumentSignature, VerifierSeller, true)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Release(ctx, wf.ID, ReleaseRequest{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case xerrors.IsCode(err, xerrors.CodeInvalidTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if succeeded != 1 || rejected != attempts-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d rejections", succeeded, rejected)
	}
	trail, _ := m.AuditTrail(ctx, wf.ID)
	if len(trail) != 2+attempts {
		t.Fatalf("expected %d audit entries, got %d", 2+attempts, len(trail))
	}
	if err := VerifyChain(trail); err != nil {
		t.Fatalf("audit chain: %v", err)
	}
}

func TestObserversSeeEveryAttempt(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	m, _ := newTestMachine(t, nil, WithObserver(obs))
	wf := initiate(t, m)
	fund(t, m, wf.ID)
	if _, err := m.ConfirmFunding(ctx, wf.ID, custody.PayInNotice{Reference: "pay-1", AmountMinor: 50000}); !xerrors.IsDuplicate(err) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	verify(t, m, wf.ID, KindInspection, VerifierAgent, true)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.transitions) != 3 {
		t.Fatalf("expected 3 transition records, got %d", len(obs.transitions))
	}
	wantOutcomes := []Outcome{OutcomeApplied, OutcomeApplied, OutcomeDuplicate}
	for i, rec := range obs.transitions {
		if rec.Outcome != wantOutcomes[i] {
			t.Fatalf("record %d: outcome %s", i, rec.Outcome)
		}
	}
	if obs.transitions[1].From != StatusInitiated || obs.transitions[1].To != StatusFunded || obs.transitions[1].Escrow.Status != StatusFunded {
		t.Fatalf("unexpected funding record: %+v", obs.transitions[1])
	}
	if len(obs.verifications) != 1 || len(obs.verifications[0].History) != 1 {
		t.Fatalf("unexpected verification records: %+v", obs.verifications)
	}
}

func TestHandleAttestationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t, nil)
	wf := initiate(t, m)
	fund(t, m, wf.ID)

	att := custody.DeviceAttestation{EscrowID: wf.ID, Kind: "smart_lock_opened", Outcome: true, Device: "0xdevice", TxHash: "0xabc"}
	if err := m.HandleAttestation(ctx, att); err != nil {
		t.Fatalf("handle attestation: %v", err)
	}
	if err := m.HandleAttestation(ctx, att); err != nil {
		t.Fatalf("redelivered attestation should be accepted: %v", err)
	}
	events, _ := m.Verifications(ctx, wf.ID)
	if len(events) != 1 || events[0].Kind != KindAutomatedTrigger || events[0].VerifiedBy != VerifierDevice || events[0].Evidence != "0xabc" {
		t.Fatalf("unexpected verification events: %+v", events)
	}
}

func TestHistoryCollectsPartyEscrows(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t, nil)
	first := initiate(t, m)
	initiate(t, m)
	verify(t, m, first.ID, KindInspection, VerifierAgent, true)

	fromStore, err := NewHistories(store).History(ctx, "seller-1")
	if err != nil {
		t.Fatalf("store history: %v", err)
	}
	history, err := m.History(ctx, "seller-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Escrows) != 2 || len(history.Verifications) != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history.Escrows[0].ID != first.ID {
		t.Fatalf("history should be ordered by creation")
	}
	if len(fromStore.Escrows) != len(history.Escrows) || len(fromStore.Verifications) != len(history.Verifications) {
		t.Fatalf("store-backed history diverges from machine: %+v", fromStore)
	}
	empty, _ := m.History(ctx, "nobody")
	if len(empty.Escrows) != 0 {
		t.Fatalf("unexpected escrows for unknown subject")
	}
}

func TestTrustScoreUsesLowerParty(t *testing.T) {
	scores := map[string]float64{"buyer-1": 0.9, "seller-1": 0.55}
	scorer := scorerFunc(func(_ context.Context, subject string) (float64, error) {
		return scores[subject], nil
	})
	m, _ := newTestMachine(t, nil, WithTrustScorer(scorer))
	wf := initiate(t, m)
	if wf.TrustScore != 0.55 {
		t.Fatalf("expected trust score 0.55, got %v", wf.TrustScore)
	}

	failing := scorerFunc(func(context.Context, string) (float64, error) { return 0, errors.New("offline") })
	m2, _ := newTestMachine(t, nil, WithTrustScorer(failing))
	if wf := initiate(t, m2); wf.TrustScore != 0 {
		t.Fatalf("scorer failure should yield 0, got %v", wf.TrustScore)
	}
}

type scorerFunc func(ctx context.Context, subject string) (float64, error)

func (f scorerFunc) Score(ctx context.Context, subject string) (float64, error) { return f(ctx, subject) }

func TestInitiateValidation(t *testing.T) {
	m, _ := newTestMachine(t, nil)
	base := InitiateRequest{ListingID: "l", BuyerID: "b", SellerID: "s", Backend: custody.BackendFiat, Amount: 1, Currency: "USD"}
	mutations := []func(*InitiateRequest){
		func(r *InitiateRequest) { r.ListingID = "" },
		func(r *InitiateRequest) { r.SellerID = "b" },
		func(r *InitiateRequest) { r.Backend = "paypal" },
		func(r *InitiateRequest) { r.Amount = 0 },
		func(r *InitiateRequest) { r.Currency = " " },
		func(r *InitiateRequest) { r.RequiredVerifications = []Kind{"vibes"} },
	}
	for i, mutate := range mutations {
		req := base
		mutate(&req)
		if _, err := m.Initiate(context.Background(), req); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("case %d: expected INVALID_ARGUMENT, got %v", i, err)
		}
	}
}

type failingTransitionStore struct {
	*MemoryStore
	err error
}

func (s *failingTransitionStore) Transition(context.Context, Workflow, int64, AuditLogEntry) (AuditLogEntry, error) {
	return AuditLogEntry{}, s.err
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestCommitFailureAfterCustodyIsAuditedAndAlerted(t *testing.T) {
	ctx := context.Background()
	store := &failingTransitionStore{MemoryStore: NewMemoryStore()}
	obs := &recordingObserver{}
	alerts := &recordingAlerts{}
	clock := newFakeClock()
	m := NewMachine(store, custody.NewLedger(), WithClock(clock.Now), WithObserver(obs), WithAlertDispatcher(alerts))
	wf := initiate(t, m)

	store.err = errors.New("connection reset")
	_, err := m.ConfirmFunding(ctx, wf.ID, custody.PayInNotice{Reference: "pay-1", AmountMinor: 50000, Currency: "USD"})
	if !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatal("a commit failure after the custody side effect must not be retried blindly")
	}

	trail, _ := m.AuditTrail(ctx, wf.ID)
	if len(trail) != 2 {
		t.Fatalf("expected the failed commit to be audited, got %d entries", len(trail))
	}
	last := trail[1]
	if last.Action != EventFundsConfirmed || last.Outcome != OutcomeRejected || last.Data["reason"] != ReasonCommitFailed {
		t.Fatalf("unexpected audit entry %+v", last)
	}
	if err := VerifyChain(trail); err != nil {
		t.Fatalf("audit chain: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if n := len(obs.transitions); n != 2 || obs.transitions[1].Outcome != OutcomeRejected {
		t.Fatalf("observers should see the rejected commit: %+v", obs.transitions)
	}
	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 1 || alerts.events[0].Subject != wf.ID {
		t.Fatalf("expected one alert for the escrow, got %+v", alerts.events)
	}
}
