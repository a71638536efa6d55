package payments

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/store/memory"
)

const testSecret = "whsec_test"

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"payment_intent.succeeded"}`)
	now := time.Now()

	header := SignPayload(payload, testSecret, now)
	assert.NoError(t, VerifySignature(payload, header, testSecret, DefaultTolerance, now))

	t.Run("tampered payload", func(t *testing.T) {
		err := VerifySignature([]byte(`{"type":"evil"}`), header, testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		err := VerifySignature(payload, header, "whsec_other", DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := SignPayload(payload, testSecret, now.Add(-10*time.Minute))
		err := VerifySignature(payload, old, testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	})

	t.Run("missing header", func(t *testing.T) {
		err := VerifySignature(payload, "", testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("garbage header", func(t *testing.T) {
		err := VerifySignature(payload, "v1=deadbeef", testSecret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrMissingSignature)
	})
}

type fakeGateway struct {
	intents []Intent
	nextID  string
}

func (f *fakeGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (Intent, error) {
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	intent := Intent{
		ID:           f.nextID,
		ClientSecret: f.nextID + "_secret",
		Amount:       amount,
		Currency:     currency,
		Status:       "requires_payment_method",
		Metadata:     meta,
	}
	f.intents = append(f.intents, intent)
	return intent, nil
}

func newTestService(t *testing.T) (*Service, *memory.Store, *fakeGateway) {
	t.Helper()
	store := memory.New()
	gw := &fakeGateway{nextID: "pi_1"}
	return NewService(store, gw), store, gw
}

func webhookPayload(t *testing.T, eventType string, intent Intent) []byte {
	t.Helper()
	ev := WebhookEvent{Type: eventType}
	ev.Data.Object = intent
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return payload
}

func TestCreateDonationValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDonation(ctx, "r1", "u1", "alice", 99, "")
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	_, err = svc.CreateDonation(ctx, "r1", "u1", "alice", 500, strings.Repeat("x", 281))
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestDonationLifecycle(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateDonation(ctx, "r1", "u1", "alice", 500, "great talk")
	require.NoError(t, err)
	assert.Equal(t, "pi_1_secret", intent.ClientSecret)
	assert.Equal(t, "donation", gw.intents[0].Metadata["kind"])

	// Pending donations are not listed.
	donations, err := svc.ListDonations(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, donations)

	require.NoError(t, svc.HandleWebhook(ctx, webhookPayload(t, "payment_intent.succeeded", gw.intents[0])))

	donations, err = svc.ListDonations(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, donations, 1)
	assert.Equal(t, int64(500), donations[0].Amount)
	assert.Equal(t, "great talk", donations[0].Message)

	rows, err := store.Select(ctx, core.TableDonations, core.Filter{"intent_id": "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", rows[0]["status"])
}

func TestDonationFailure(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateDonation(ctx, "r1", "u1", "alice", 500, "")
	require.NoError(t, err)

	require.NoError(t, svc.HandleWebhook(ctx, webhookPayload(t, "payment_intent.payment_failed", gw.intents[0])))

	rows, err := store.Select(ctx, core.TableDonations, core.Filter{"intent_id": "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, "failed", rows[0]["status"])
}

func TestSponsorshipFixedPrice(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateSponsorship(context.Background(), "r1", "u1", 1500)
	assert.ErrorIs(t, err, ErrSponsorshipAmount)
}

func TestSponsorshipExtendsRoom(t *testing.T) {
	svc, store, gw := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	room, err := store.Insert(ctx, core.TableRooms, core.Row{"title": "room"})
	require.NoError(t, err)
	roomID := room["id"].(string)

	_, err = svc.CreateSponsorship(ctx, roomID, "u1", SponsorshipCents)
	require.NoError(t, err)

	require.NoError(t, svc.HandleWebhook(ctx, webhookPayload(t, "payment_intent.succeeded", gw.intents[0])))

	rows, err := store.Select(ctx, core.TableRooms, core.Filter{"id": roomID})
	require.NoError(t, err)
	until, ok := rows[0]["sponsor_until"].(time.Time)
	require.True(t, ok)
	assert.True(t, until.Equal(now.Add(time.Hour)), "fresh sponsorship runs one hour from now")

	// A second sponsorship while active extends from the current end.
	gw.nextID = "pi_2"
	_, err = svc.CreateSponsorship(ctx, roomID, "u2", SponsorshipCents)
	require.NoError(t, err)
	require.NoError(t, svc.HandleWebhook(ctx, webhookPayload(t, "payment_intent.succeeded", gw.intents[1])))

	rows, err = store.Select(ctx, core.TableRooms, core.Filter{"id": roomID})
	require.NoError(t, err)
	until = rows[0]["sponsor_until"].(time.Time)
	assert.True(t, until.Equal(now.Add(2*time.Hour)), "active sponsorship stacks")
}

func TestWebhookUnknownIntent(t *testing.T) {
	svc, _, _ := newTestService(t)
	payload := webhookPayload(t, "payment_intent.succeeded", Intent{ID: "pi_ghost"})
	assert.ErrorIs(t, svc.HandleWebhook(context.Background(), payload), ErrUnknownIntent)
}

func TestWebhookIgnoresUnknownTypes(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.HandleWebhook(context.Background(), []byte(`{"type":"charge.refunded"}`)))
}
