package escrow

import (
	"context"
	"regexp"
	"testing"
	"time"

	"AgentEscrow/internal/custody"
	xerrors "AgentEscrow/internal/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkflow() Workflow {
	created := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return Workflow{
		ID:                    "escrow-1",
		ListingID:             "listing-1",
		BuyerID:               "buyer-1",
		SellerID:              "seller-1",
		Backend:               custody.BackendFiat,
		Amount:                50000,
		Currency:              "USD",
		Status:                StatusInitiated,
		RequiredVerifications: []Kind{KindInspection},
		Version:               1,
		CreatedAt:             created,
		UpdatedAt:             created,
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := sampleWorkflow()
	_, err := store.Create(ctx, wf, AuditLogEntry{EscrowID: wf.ID, Action: EventInitiated, Outcome: OutcomeApplied})
	require.NoError(t, err)

	_, err = store.Create(ctx, wf, AuditLogEntry{EscrowID: wf.ID})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConflict))

	next := wf
	next.Status = StatusFunded
	next.Version = 2
	entry, err := store.Transition(ctx, next, 1, AuditLogEntry{EscrowID: wf.ID, Action: EventFundsConfirmed, Outcome: OutcomeApplied})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Sequence)

	stale := wf
	stale.Status = StatusCancelled
	stale.Version = 2
	_, err = store.Transition(ctx, stale, 1, AuditLogEntry{EscrowID: wf.ID})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidTransition))

	got, err := store.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)

	trail, err := store.AuditTrail(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
	assert.NoError(t, VerifyChain(trail))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := sampleWorkflow()
	_, err := store.Create(ctx, wf, AuditLogEntry{EscrowID: wf.ID, Data: map[string]string{"k": "v"}})
	require.NoError(t, err)

	got, _ := store.Get(ctx, wf.ID)
	got.RequiredVerifications[0] = KindAnomalyReview
	trail, _ := store.AuditTrail(ctx, wf.ID)
	trail[0].Data["k"] = "changed"

	again, _ := store.Get(ctx, wf.ID)
	assert.Equal(t, KindInspection, again.RequiredVerifications[0])
	trail, _ = store.AuditTrail(ctx, wf.ID)
	assert.Equal(t, "v", trail[0].Data["k"])
}

func TestMySQLStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	wf := sampleWorkflow()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_workflows")).
		WithArgs("escrow-1", "", "listing-1", "buyer-1", "seller-1", "fiat", int64(50000), "USD", "initiated", false,
			0.0, `["inspection"]`, "", "", int64(0), false, "", "", int64(1), wf.CreatedAt.UnixMilli(), wf.UpdatedAt.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_hash FROM escrow_audit_log WHERE escrow_id = ?")).
		WithArgs("escrow-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_audit_log")).
		WithArgs("entry-1", "escrow-1", int64(1), "initiated", "applied", "", "initiated", "", `{"amount":"50000"}`,
			GenesisHash, sqlmock.AnyArg(), wf.CreatedAt.UnixMilli(), wf.CreatedAt.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := NewMySQLStore(db).Create(context.Background(), wf, AuditLogEntry{
		ID:        "entry-1",
		EscrowID:  "escrow-1",
		Action:    EventInitiated,
		Outcome:   OutcomeApplied,
		ToStatus:  StatusInitiated,
		Data:      map[string]string{"amount": "50000"},
		Timestamp: wf.CreatedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Sequence)
	assert.Equal(t, GenesisHash, entry.PreviousHash)
	assert.NoError(t, VerifyChain([]AuditLogEntry{entry}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_workflows")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	_, err = NewMySQLStore(db).Create(context.Background(), sampleWorkflow(), AuditLogEntry{EscrowID: "escrow-1"})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreTransitionChainsAudit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	wf := sampleWorkflow()
	wf.Status = StatusFunded
	wf.Version = 2

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escrow_workflows SET status = ?")).
		WithArgs("funded", false, "", "", int64(0), false, "", "", int64(2), wf.UpdatedAt.UnixMilli(), "escrow-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, entry_hash FROM escrow_audit_log")).
		WithArgs("escrow-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(int64(1), "sha256:prev"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_audit_log")).
		WithArgs(sqlmock.AnyArg(), "escrow-1", int64(2), "funds_confirmed", "applied", "initiated", "funded",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "sha256:prev", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := NewMySQLStore(db).Transition(context.Background(), wf, 1, AuditLogEntry{
		EscrowID:   "escrow-1",
		Action:     EventFundsConfirmed,
		Outcome:    OutcomeApplied,
		FromStatus: StatusInitiated,
		ToStatus:   StatusFunded,
		Timestamp:  wf.UpdatedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Sequence)
	assert.Equal(t, "sha256:prev", entry.PreviousHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreTransitionVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escrow_workflows SET status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = NewMySQLStore(db).Transition(context.Background(), sampleWorkflow(), 1, AuditLogEntry{EscrowID: "escrow-1"})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreAppendVerification(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	wf := sampleWorkflow()
	wf.Verified = true
	wf.Version = 3
	ev := VerificationEvent{ID: "ev-1", EscrowID: "escrow-1", Kind: KindInspection, VerifiedBy: VerifierAgent, Outcome: true,
		Timestamp: wf.UpdatedAt, CreatedAt: wf.UpdatedAt}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE escrow_workflows SET verified = ?")).
		WithArgs(true, int64(3), wf.UpdatedAt.UnixMilli(), "escrow-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO escrow_verifications")).
		WithArgs("ev-1", "escrow-1", "inspection", "agent", "", true, "", wf.UpdatedAt.UnixMilli(), wf.UpdatedAt.UnixMilli()).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err = NewMySQLStore(db).AppendVerification(context.Background(), ev, wf, 2)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStoreReads(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewMySQLStore(db)
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).UnixMilli()

	columns := []string{"id", "session_id", "listing_id", "buyer_id", "seller_id", "backend_type", "amount", "currency", "status",
		"verified", "trust_score", "required_verifications", "funded_via", "funding_reference", "funded_at", "dispute_raised",
		"dispute_reason", "resolution", "version", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_workflows WHERE id = ?")).
		WithArgs("escrow-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("escrow-1", "s-1", "listing-1", "buyer-1", "seller-1", "hybrid", 50000, "USD",
			"funded", true, 0.72, `["inspection","document_signature"]`, "smart_contract", "0xabc", ts, false, "", "", 2, ts, ts))
	wf, err := store.Get(context.Background(), "escrow-1")
	require.NoError(t, err)
	assert.Equal(t, custody.BackendHybrid, wf.Backend)
	assert.Equal(t, custody.BackendSmartContract, wf.FundedVia)
	assert.Equal(t, []Kind{KindInspection, KindDocumentSignature}, wf.RequiredVerifications)
	assert.False(t, wf.FundedAt.IsZero())

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_workflows WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))
	_, err = store.Get(context.Background(), "missing")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_verifications WHERE escrow_id = ?")).
		WithArgs("escrow-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "escrow_id", "kind", "verified_by", "verifier_id", "outcome", "evidence", "timestamp", "created_at"}).
			AddRow("ev-1", "escrow-1", "inspection", "device", "0xdev", true, "0xtx", ts, ts))
	events, err := store.Verifications(context.Background(), "escrow-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, VerifierDevice, events[0].VerifiedBy)

	mock.ExpectQuery(regexp.QuoteMeta("FROM escrow_audit_log WHERE escrow_id = ?")).
		WithArgs("escrow-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "escrow_id", "sequence", "action", "outcome", "from_status", "to_status", "actor",
			"data", "previous_hash", "entry_hash", "timestamp"}).
			AddRow("a-1", "escrow-1", 1, "initiated", "applied", "", "initiated", "orchestrator", `{"amount":"50000"}`, GenesisHash, "sha256:x", ts))
	trail, err := store.AuditTrail(context.Background(), "escrow-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "50000", trail[0].Data["amount"])
	assert.Equal(t, EventInitiated, trail[0].Action)

	assert.NoError(t, mock.ExpectationsWereMet())
}
