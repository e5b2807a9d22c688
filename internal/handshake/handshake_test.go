package handshake

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thehive/hive/internal/honey"
	"github.com/thehive/hive/internal/interest"
	"github.com/thehive/hive/internal/listing"
)

type testEnv struct {
	svc       *Service
	ledger    *honey.Ledger
	listings  *listing.Service
	interests *interest.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	listings := listing.NewService(listing.NewMemoryStore())
	interests := interest.NewService(interest.NewMemoryStore(), listings)
	ledger := honey.New(honey.NewMemoryStore(honey.DefaultStartingGrant))
	svc := NewService(NewMemoryStore(), ledger, interests, listings, nil, slog.Default())
	return &testEnv{svc: svc, ledger: ledger, listings: listings, interests: interests}
}

// postListing creates a listing plus an interest from usr_b.
func (e *testEnv) postListing(t *testing.T, kind listing.Kind, duration string) *interest.Interest {
	t.Helper()
	l, err := e.listings.Create(t.Context(), "usr_a", listing.CreateRequest{
		Kind:        kind,
		Title:       "Two hours of tutoring",
		Description: "Math and physics tutoring for high school students.",
		Duration:    duration,
	})
	require.NoError(t, err)
	in, err := e.interests.Express(t.Context(), kind, l.ID, "usr_b", "")
	require.NoError(t, err)
	return in
}

func (e *testEnv) balance(t *testing.T, userID string) *honey.Balance {
	t.Helper()
	b, err := e.ledger.GetBalance(t.Context(), userID)
	require.NoError(t, err)
	return b
}

func TestOfferLifecycle(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "2 Hours")

	// Interested party initiates; their honey is provisioned.
	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "see you saturday")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, hs.Status)
	assert.Equal(t, int64(2), hs.HoneyAmount)
	assert.Equal(t, "usr_b", hs.Spender())
	assert.Equal(t, "usr_a", hs.Earner())

	b := e.balance(t, "usr_b")
	assert.Equal(t, int64(2), b.Provisioned)

	hs, err = e.svc.Approve(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, hs.Status)
	require.NotNil(t, hs.StartedAt)

	hs, err = e.svc.Complete(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, hs.Status)
	require.NotNil(t, hs.CompletedAt)

	spender := e.balance(t, "usr_b")
	assert.Equal(t, int64(1), spender.Total)
	assert.Equal(t, int64(0), spender.Provisioned)
	earner := e.balance(t, "usr_a")
	assert.Equal(t, int64(5), earner.Total)
}

func TestNeedSpenderIsCreator(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindNeed, "1 Hour")

	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)
	assert.Equal(t, "usr_a", hs.Spender())
	assert.Equal(t, "usr_b", hs.Earner())

	b := e.balance(t, "usr_a")
	assert.Equal(t, int64(1), b.Provisioned)
}

func TestCreatePermissions(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "1 Hour")

	_, err := e.svc.Create(t.Context(), in.ID, "usr_a", "")
	assert.ErrorIs(t, err, ErrCreatorInitiated)

	_, err = e.svc.Create(t.Context(), in.ID, "usr_c", "")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = e.svc.Create(t.Context(), "missing", "usr_b", "")
	assert.ErrorIs(t, err, interest.ErrInterestNotFound)
}

func TestCreateDuplicate(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "1 Hour")

	_, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)
	_, err = e.svc.Create(t.Context(), in.ID, "usr_b", "")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Only one provision was taken.
	b := e.balance(t, "usr_b")
	assert.Equal(t, int64(1), b.Provisioned)
}

func TestCreateInsufficientHoney(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "4 Hours")

	_, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	assert.ErrorIs(t, err, honey.ErrInsufficientFunds)

	b := e.balance(t, "usr_b")
	assert.Equal(t, int64(0), b.Provisioned)
}

func TestApproveCreatorOnly(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "1 Hour")
	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)

	_, err = e.svc.Approve(t.Context(), hs.ID, "usr_b")
	assert.ErrorIs(t, err, ErrNotCreator)

	_, err = e.svc.Approve(t.Context(), hs.ID, "usr_c")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = e.svc.Approve(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)

	// Second approve finds it already in progress.
	_, err = e.svc.Approve(t.Context(), hs.ID, "usr_a")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteWithoutApproval(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "1 Hour")
	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)
	require.Equal(t, StatusActive, hs.Status)

	// Completion does not require a prior approve; any non-terminal
	// handshake can be finished.
	hs, err = e.svc.Complete(t.Context(), hs.ID, "usr_b")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, hs.Status)
	assert.Nil(t, hs.StartedAt)
	require.NotNil(t, hs.CompletedAt)

	b := e.balance(t, "usr_b")
	assert.Equal(t, int64(2), b.Total, "spender finalized")
	assert.Equal(t, int64(0), b.Provisioned)
	assert.Equal(t, int64(honey.DefaultStartingGrant+1), e.balance(t, "usr_a").Total, "earner credited")
}

func TestCompleteIsTerminal(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "1 Hour")
	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)
	_, err = e.svc.Approve(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)
	_, err = e.svc.Complete(t.Context(), hs.ID, "usr_b")
	require.NoError(t, err)

	// Completing or cancelling again must not settle twice.
	_, err = e.svc.Complete(t.Context(), hs.ID, "usr_b")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = e.svc.Cancel(t.Context(), hs.ID, "usr_b")
	assert.ErrorIs(t, err, ErrInvalidState)

	earner := e.balance(t, "usr_a")
	assert.Equal(t, int64(4), earner.Total)
}

func TestCancelReleasesProvision(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "2 Hours")
	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)

	_, err = e.svc.Cancel(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)

	b := e.balance(t, "usr_b")
	assert.Equal(t, int64(3), b.Total)
	assert.Equal(t, int64(0), b.Provisioned)
}

// failingLedger provisions fine but refuses settlements.
type failingLedger struct {
	*honey.Ledger
	settleErr error
}

func (f *failingLedger) Settle(_ context.Context, _, _ string, _ int64, _ string) error {
	return f.settleErr
}

type capturingRecorder struct {
	handshakeID string
	op          string
	amount      int64
}

func (r *capturingRecorder) RecordFailed(_ context.Context, handshakeID, _, _ string, amount int64, op string, _ error) {
	r.handshakeID = handshakeID
	r.op = op
	r.amount = amount
}

func TestCompleteSurvivesLedgerFailure(t *testing.T) {
	listings := listing.NewService(listing.NewMemoryStore())
	interests := interest.NewService(interest.NewMemoryStore(), listings)
	ledger := &failingLedger{
		Ledger:    honey.New(honey.NewMemoryStore(honey.DefaultStartingGrant)),
		settleErr: errors.New("ledger down"),
	}
	rec := &capturingRecorder{}
	svc := NewService(NewMemoryStore(), ledger, interests, listings, rec, slog.Default())

	l, err := listings.Create(t.Context(), "usr_a", listing.CreateRequest{
		Kind:        listing.KindOffer,
		Title:       "Dog walking",
		Description: "Daily walks around the neighbourhood park loop.",
		Duration:    "1 Hour",
	})
	require.NoError(t, err)
	in, err := interests.Express(t.Context(), listing.KindOffer, l.ID, "usr_b", "")
	require.NoError(t, err)

	hs, err := svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)
	_, err = svc.Approve(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)

	// Completion succeeds even though settlement fails.
	done, err := svc.Complete(t.Context(), hs.ID, "usr_b")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	assert.Equal(t, hs.ID, rec.handshakeID)
	assert.Equal(t, "settle", rec.op)
	assert.Equal(t, int64(1), rec.amount)
}

func TestGetParticipantOnly(t *testing.T) {
	e := newTestEnv(t)
	in := e.postListing(t, listing.KindOffer, "1 Hour")
	hs, err := e.svc.Create(t.Context(), in.ID, "usr_b", "")
	require.NoError(t, err)

	_, err = e.svc.Get(t.Context(), hs.ID, "usr_c")
	assert.ErrorIs(t, err, ErrNotParticipant)

	got, err := e.svc.Get(t.Context(), hs.ID, "usr_a")
	require.NoError(t, err)
	assert.Equal(t, hs.ID, got.ID)
}
