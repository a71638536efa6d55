package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
)

const (
	// MinDonationCents is the smallest accepted donation, one dollar.
	MinDonationCents = 100
	// SponsorshipCents buys one hour of sponsored placement.
	SponsorshipCents = 2000
	// SponsorshipPeriod is the placement bought by one sponsorship.
	SponsorshipPeriod = time.Hour

	currency = "usd"

	kindDonation    = "donation"
	kindSponsorship = "sponsorship"

	statusPending   = "pending"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"

	maxDonationMessageChars = 280
)

var (
	ErrAmountTooSmall    = errors.New("payments: donation below minimum")
	ErrSponsorshipAmount = errors.New("payments: sponsorship has a fixed price")
	ErrUnknownIntent     = errors.New("payments: no record for intent")
	ErrMessageTooLong    = errors.New("payments: donation message too long")
)

// Donation is a one-off tip to a room.
type Donation struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Amount    int64     `json:"amount"`
	Message   string    `json:"message,omitempty"`
	Status    string    `json:"status"`
	IntentID  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service owns payment flows: intent creation, webhook settlement, and the
// sponsored-placement clock on rooms.
type Service struct {
	store   core.Store
	gateway Gateway
	now     func() time.Time
}

func NewService(store core.Store, gateway Gateway) *Service {
	return &Service{store: store, gateway: gateway, now: time.Now}
}

// CreateDonation opens a payment intent and records the donation as
// pending until the webhook settles it.
func (s *Service) CreateDonation(ctx context.Context, roomID, userID, username string, amount int64, message string) (Intent, error) {
	if amount < MinDonationCents {
		return Intent{}, ErrAmountTooSmall
	}
	if len([]rune(message)) > maxDonationMessageChars {
		return Intent{}, ErrMessageTooLong
	}
	intent, err := s.gateway.CreateIntent(ctx, amount, currency, map[string]string{
		"kind":    kindDonation,
		"room_id": roomID,
		"user_id": userID,
	})
	if err != nil {
		return Intent{}, err
	}
	_, err = s.store.Insert(ctx, core.TableDonations, core.Row{
		"id":         uuid.NewString(),
		"room_id":    roomID,
		"user_id":    userID,
		"username":   username,
		"amount":     amount,
		"message":    message,
		"status":     statusPending,
		"intent_id":  intent.ID,
		"created_at": s.now().UTC(),
	})
	if err != nil {
		return Intent{}, fmt.Errorf("payments: record donation: %w", err)
	}
	return intent, nil
}

// ListDonations returns a room's settled donations, newest first.
func (s *Service) ListDonations(ctx context.Context, roomID string) ([]Donation, error) {
	rows, err := s.store.Select(ctx, core.TableDonations,
		core.Filter{"room_id": roomID, "status": statusSucceeded},
		core.OrderBy("created_at", false))
	if err != nil {
		return nil, err
	}
	out := make([]Donation, 0, len(rows))
	for _, row := range rows {
		out = append(out, donationFromRow(row))
	}
	return out, nil
}

// CreateSponsorship opens a fixed-price intent that buys one hour of
// sponsored placement once the webhook confirms payment.
func (s *Service) CreateSponsorship(ctx context.Context, roomID, sponsorID string, amount int64) (Intent, error) {
	if amount != SponsorshipCents {
		return Intent{}, ErrSponsorshipAmount
	}
	intent, err := s.gateway.CreateIntent(ctx, amount, currency, map[string]string{
		"kind":    kindSponsorship,
		"room_id": roomID,
		"user_id": sponsorID,
	})
	if err != nil {
		return Intent{}, err
	}
	_, err = s.store.Insert(ctx, core.TableSponsorships, core.Row{
		"id":         uuid.NewString(),
		"room_id":    roomID,
		"user_id":    sponsorID,
		"amount":     amount,
		"status":     statusPending,
		"intent_id":  intent.ID,
		"created_at": s.now().UTC(),
	})
	if err != nil {
		return Intent{}, fmt.Errorf("payments: record sponsorship: %w", err)
	}
	return intent, nil
}

// WebhookEvent is the processor's envelope.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object Intent `json:"object"`
	} `json:"data"`
}

// HandleWebhook decodes a verified payload and settles the referenced
// intent. Unknown event types are ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte) error {
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("payments: decode webhook: %w", err)
	}
	switch ev.Type {
	case "payment_intent.succeeded":
		return s.settle(ctx, ev.Data.Object, statusSucceeded)
	case "payment_intent.payment_failed":
		return s.settle(ctx, ev.Data.Object, statusFailed)
	default:
		log.Debug().Str("module", "payments").Str("type", ev.Type).Msg("ignoring webhook event")
		return nil
	}
}

func (s *Service) settle(ctx context.Context, intent Intent, status string) error {
	table := core.TableDonations
	if intent.Metadata["kind"] == kindSponsorship {
		table = core.TableSponsorships
	}
	n, err := s.store.Update(ctx, table,
		core.Filter{"intent_id": intent.ID},
		core.Row{"status": status})
	if err != nil {
		return fmt.Errorf("payments: settle intent: %w", err)
	}
	if n == 0 {
		return ErrUnknownIntent
	}
	if status == statusSucceeded && table == core.TableSponsorships {
		return s.extendSponsorship(ctx, intent.Metadata["room_id"])
	}
	return nil
}

// extendSponsorship pushes the room's sponsor_until forward by one period.
// An active sponsorship extends from its current end, an expired or absent
// one starts from now.
func (s *Service) extendSponsorship(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("payments: sponsorship intent without room_id")
	}
	rows, err := s.store.Select(ctx, core.TableRooms, core.Filter{"id": roomID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// Room was torn down before settlement; nothing to extend.
		log.Warn().Str("module", "payments").Str("room", roomID).Msg("sponsorship settled for deleted room")
		return nil
	}
	now := s.now().UTC()
	from := now
	if until, ok := rowTimeValue(rows[0]["sponsor_until"]); ok && until.After(now) {
		from = until
	}
	_, err = s.store.Update(ctx, core.TableRooms,
		core.Filter{"id": roomID},
		core.Row{"sponsor_until": from.Add(SponsorshipPeriod)})
	return err
}

func donationFromRow(row core.Row) Donation {
	d := Donation{
		ID:       stringValue(row["id"]),
		RoomID:   stringValue(row["room_id"]),
		UserID:   stringValue(row["user_id"]),
		Username: stringValue(row["username"]),
		Message:  stringValue(row["message"]),
		Status:   stringValue(row["status"]),
		IntentID: stringValue(row["intent_id"]),
	}
	switch n := row["amount"].(type) {
	case int64:
		d.Amount = n
	case int:
		d.Amount = int64(n)
	case float64:
		d.Amount = int64(n)
	}
	if t, ok := rowTimeValue(row["created_at"]); ok {
		d.CreatedAt = t
	}
	return d
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func rowTimeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
