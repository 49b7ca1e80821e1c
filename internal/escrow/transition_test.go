package escrow

import (
	"slices"
	"testing"
	"time"

	xerrors "AgentEscrow/internal/errors"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNextMatchesTable(t *testing.T) {
	allowed := map[Status]map[Event]Status{
		StatusInitiated: {EventFundsConfirmed: StatusFunded, EventCancelled: StatusCancelled},
		StatusFunded: {
			EventReleaseApproved: StatusReleased,
			EventRefundAccepted:  StatusRefunded,
			EventDisputeRaised:   StatusDisputed,
			EventCancelled:       StatusCancelled,
		},
	}
	for _, from := range Statuses() {
		for _, event := range Events() {
			if event == EventDisputeResolved {
				continue
			}
			to, err := Next(from, event, "")
			want, ok := allowed[from][event]
			if ok {
				if err != nil || to != want {
					t.Fatalf("%s --%s--> want %s, got %s (%v)", from, event, want, to, err)
				}
				continue
			}
			if !xerrors.IsCode(err, xerrors.CodeInvalidTransition) {
				t.Fatalf("%s --%s--> expected INVALID_TRANSITION, got %s (%v)", from, event, to, err)
			}
		}
	}

	for _, decision := range []Status{StatusReleased, StatusRefunded} {
		if to, err := Next(StatusDisputed, EventDisputeResolved, decision); err != nil || to != decision {
			t.Fatalf("dispute resolution to %s: %s %v", decision, to, err)
		}
	}
	if _, err := Next(StatusDisputed, EventDisputeResolved, StatusCancelled); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT for bad decision, got %v", err)
	}
}

func TestTransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	events := Events()
	decisions := []Status{StatusReleased, StatusRefunded, StatusCancelled}

	walk := func(steps []int) []Status {
		path := []Status{StatusInitiated}
		current := StatusInitiated
		for _, step := range steps {
			event := events[step%len(events)]
			decision := decisions[(step/len(events))%len(decisions)]
			if next, err := Next(current, event, decision); err == nil {
				current = next
				path = append(path, current)
			}
		}
		return path
	}

	properties.Property("terminal statuses absorb every event", prop.ForAll(
		func(steps []int) bool {
			path := walk(steps)
			for i, s := range path {
				if s.Terminal() && i != len(path)-1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.Property("released and refunded are only reached through funds", prop.ForAll(
		func(steps []int) bool {
			funded := false
			for _, s := range walk(steps) {
				switch s {
				case StatusFunded:
					funded = true
				case StatusReleased, StatusRefunded, StatusDisputed:
					if !funded {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.Property("every step stays inside the table", prop.ForAll(
		func(steps []int) bool {
			reachable := map[Status][]Status{
				StatusInitiated: {StatusFunded, StatusCancelled},
				StatusFunded:    {StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled},
				StatusDisputed:  {StatusReleased, StatusRefunded},
			}
			path := walk(steps)
			for i := 1; i < len(path); i++ {
				ok := false
				for _, s := range reachable[path[i-1]] {
					if s == path[i] {
						ok = true
					}
				}
				if !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

func decodeEvents(codes []int, base time.Time) []VerificationEvent {
	kinds := []Kind{KindInspection, KindDocumentSignature, KindReleaseConsent, KindAutomatedTrigger, KindAnomalyReview}
	verifiers := []Verifier{VerifierBuyer, VerifierSeller, VerifierAgent, VerifierDevice, VerifierOperator}
	events := make([]VerificationEvent, len(codes))
	for i, c := range codes {
		events[i] = VerificationEvent{
			Kind:       kinds[c%len(kinds)],
			VerifiedBy: verifiers[(c/len(kinds))%len(verifiers)],
			Outcome:    (c/(len(kinds)*len(verifiers)))%2 == 0,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
	return events
}

func TestReleaseGuardProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	wf := Workflow{ID: "e", RequiredVerifications: DefaultRequiredVerifications}

	properties.Property("release passes only with consent or all required kinds once concerns are reviewed", prop.ForAll(
		func(codes []int, mutual bool) bool {
			events := decodeEvents(codes, base)
			err := checkRelease(wf, events, nil, mutual)
			concerns, since := verificationConcerns(events)
			cleared := len(concerns) == 0 || reviewedAfter(events, since)
			switch {
			case err == nil:
				return cleared && ((mutual && MutualConsent(events)) || Verified(wf.RequiredVerifications, events))
			case xerrors.IsCode(err, xerrors.CodeAnomalyBlock):
				return !cleared
			default:
				return cleared && xerrors.IsCode(err, xerrors.CodeVerificationMismatch)
			}
		},
		gen.SliceOf(gen.IntRange(0, 49)),
		gen.Bool(),
	))

	properties.Property("an unreviewed hold always blocks", prop.ForAll(
		func(codes []int, mutual bool) bool {
			events := decodeEvents(codes, base)
			hold := Hold{AnomalyID: "a", Kind: "k", FlaggedAt: base.Add(time.Hour)}
			return xerrors.IsCode(checkRelease(wf, events, []Hold{hold}, mutual), xerrors.CodeAnomalyBlock)
		},
		gen.SliceOf(gen.IntRange(0, 49)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestDisputedKinds(t *testing.T) {
	events := []VerificationEvent{
		{Kind: KindInspection, VerifiedBy: VerifierAgent, Outcome: true},
		{Kind: KindInspection, VerifiedBy: VerifierBuyer, Outcome: false},
		{Kind: KindDocumentSignature, VerifiedBy: VerifierSeller, Outcome: false},
		{Kind: KindDocumentSignature, VerifiedBy: VerifierSeller, Outcome: true},
	}
	got := DisputedKinds(events)
	if len(got) != 1 || got[0] != KindInspection {
		t.Fatalf("expected only inspection disputed, got %v", got)
	}
}

func TestVerificationConcerns(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Minute) }
	events := []VerificationEvent{
		{Kind: KindInspection, VerifiedBy: VerifierBuyer, Outcome: false, CreatedAt: at(1)},
		{Kind: KindInspection, VerifiedBy: VerifierAgent, Outcome: true, CreatedAt: at(2)},
		{Kind: KindAutomatedTrigger, VerifiedBy: VerifierDevice, VerifierID: "lock-1", Outcome: false, CreatedAt: at(3)},
		{Kind: KindAutomatedTrigger, VerifiedBy: VerifierDevice, VerifierID: "lock-2", Outcome: false, CreatedAt: at(4)},
		{Kind: KindAutomatedTrigger, VerifiedBy: VerifierDevice, VerifierID: "lock-2", Outcome: true, CreatedAt: at(5)},
		{Kind: KindAnomalyReview, VerifiedBy: VerifierOperator, VerifierID: "op-1", Outcome: true, CreatedAt: at(6)},
		{Kind: KindAnomalyReview, VerifiedBy: VerifierOperator, VerifierID: "op-2", Outcome: false, CreatedAt: at(7)},
	}
	concerns, since := verificationConcerns(events)
	want := []string{"disputed:inspection", "device_trigger_failed:lock-1"}
	if !slices.Equal(concerns, want) {
		t.Fatalf("unexpected concerns %v", concerns)
	}
	if !since.Equal(at(3)) {
		t.Fatalf("concerns should date from the device failure, got %v", since)
	}

	wf := Workflow{ID: "e", RequiredVerifications: []Kind{KindInspection}}
	err := checkRelease(wf, events[:6], nil, false)
	if err != nil {
		t.Fatalf("a later review should clear the concerns: %v", err)
	}
	err = checkRelease(wf, events[:5], nil, false)
	if !xerrors.IsCode(err, xerrors.CodeAnomalyBlock) {
		t.Fatalf("expected ANOMALY_BLOCK before review, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["reason"] != ReasonVerificationDisputed {
		t.Fatalf("unexpected metadata %v", e.Metadata())
	}
}
