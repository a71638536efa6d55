// Package http is the REST surface: room listing and creation, media
// tokens, payments, and the daily feed. Live room interaction happens
// over the signal WebSocket.
package http

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/adapters/signal"
	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/engine"
	"github.com/speakers-live/speakers-server/internal/feed"
	"github.com/speakers-live/speakers-server/internal/payments"
)

const maxWebhookBody = 64 << 10

type Handlers struct {
	store         core.Store
	pay           *payments.Service
	feed          *feed.Service
	tokens        core.TokenIssuer
	mediaURL      string
	webhookSecret string
	rooms         *signal.RateLimiter
}

func NewHandlers(store core.Store, pay *payments.Service, feedSvc *feed.Service, tokens core.TokenIssuer, mediaURL, webhookSecret string) *Handlers {
	return &Handlers{
		store:         store,
		pay:           pay,
		feed:          feedSvc,
		tokens:        tokens,
		mediaURL:      mediaURL,
		webhookSecret: webhookSecret,
		rooms:         signal.NewRateLimiter(5, time.Minute),
	}
}

type roomResponse struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category,omitempty"`
	Participants int        `json:"participants"`
	Sponsored    bool       `json:"sponsored"`
	SponsorUntil *time.Time `json:"sponsorUntil,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func toRoomResponse(r domain.Room, participants int, now time.Time) roomResponse {
	return roomResponse{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Category:     r.Category.String(),
		Participants: participants,
		Sponsored:    r.Sponsored(now),
		SponsorUntil: r.SponsorUntil,
		CreatedAt:    r.CreatedAt,
	}
}

// ListRooms returns all rooms with live participant counts, sponsored
// rooms first, then newest first.
func (h *Handlers) ListRooms(c *gin.Context) {
	rows, err := h.store.Select(c.Request.Context(), core.TableRooms, nil,
		core.OrderBy("created_at", false))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	counts, err := h.participantCounts(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count participants"})
		return
	}

	now := time.Now()
	out := make([]roomResponse, 0, len(rows))
	for _, row := range rows {
		room, err := domain.RoomFromRow(row)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("skipping malformed room row")
			continue
		}
		out = append(out, toRoomResponse(room, counts[room.ID], now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sponsored && !out[j].Sponsored
	})
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *Handlers) participantCounts(c *gin.Context) (map[string]int, error) {
	rows, err := h.store.Select(c.Request.Context(), core.TableParticipants, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, row := range rows {
		if id, ok := row["room_id"].(string); ok {
			counts[id]++
		}
	}
	return counts, nil
}

// creatorKey identifies the caller for room-creation limiting: the
// client token cookie when present, otherwise the remote address.
func creatorKey(c *gin.Context) string {
	if token := c.GetString("client_token"); token != "" {
		return token
	}
	return c.ClientIP()
}

func (h *Handlers) CreateRoom(c *gin.Context) {
	if !h.rooms.Allow(creatorKey(c)) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many rooms created, slow down"})
		return
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	category, err := domain.ParseCategory(req.Category)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
		return
	}
	room, err := engine.CreateRoom(c.Request.Context(), h.store, req.Title, req.Description, category)
	switch {
	case errors.Is(err, domain.ErrTitleEmpty), errors.Is(err, domain.ErrTitleTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, toRoomResponse(room, 0, time.Now()))
}

func (h *Handlers) GetRoom(c *gin.Context) {
	rows, err := h.store.Select(c.Request.Context(), core.TableRooms,
		core.Filter{"id": c.Param("id")})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	room, err := domain.RoomFromRow(rows[0])
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed room"})
		return
	}
	counts, err := h.participantCounts(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count participants"})
		return
	}
	c.JSON(http.StatusOK, toRoomResponse(room, counts[room.ID], time.Now()))
}

// SponsoredRooms returns only rooms with an active sponsorship.
func (h *Handlers) SponsoredRooms(c *gin.Context) {
	rows, err := h.store.Select(c.Request.Context(), core.TableRooms, nil,
		core.OrderBy("created_at", false))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	now := time.Now()
	out := make([]roomResponse, 0)
	for _, row := range rows {
		room, err := domain.RoomFromRow(row)
		if err != nil || !room.Sponsored(now) {
			continue
		}
		out = append(out, toRoomResponse(room, 0, now))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// MediaToken mints a media access token for a joined participant. Publish
// rights mirror the participant row, never the request.
func (h *Handlers) MediaToken(c *gin.Context) {
	if h.tokens == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no media backend configured"})
		return
	}
	roomID := c.Query("room")
	identity := c.Query("identity")
	if roomID == "" || identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and identity required"})
		return
	}
	rows, err := h.store.Select(c.Request.Context(), core.TableParticipants,
		core.Filter{"room_id": roomID, "user_id": identity})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load participant"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	p, err := domain.ParticipantFromRow(rows[0])
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed participant"})
		return
	}
	cred, err := h.tokens.IssueAccessToken(c.Request.Context(), roomID, identity, p.Username, core.Grants{
		CanPublish:     p.Role.CanPublish(),
		CanSubscribe:   true,
		CanPublishData: true,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": h.mediaURL, "token": string(cred)})
}

func (h *Handlers) CreateDonation(c *gin.Context) {
	var req struct {
		RoomID   string `json:"roomId"`
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Amount   int64  `json:"amount"`
		Message  string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	intent, err := h.pay.CreateDonation(c.Request.Context(), req.RoomID, req.UserID, req.Username, req.Amount, req.Message)
	switch {
	case errors.Is(err, payments.ErrAmountTooSmall), errors.Is(err, payments.ErrMessageTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("create donation")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment processor unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"clientSecret": intent.ClientSecret, "intentId": intent.ID})
}

func (h *Handlers) ListDonations(c *gin.Context) {
	roomID := c.Query("room")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room required"})
		return
	}
	donations, err := h.pay.ListDonations(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list donations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"donations": donations})
}

func (h *Handlers) CreateSponsorship(c *gin.Context) {
	var req struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
		Amount int64  `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	intent, err := h.pay.CreateSponsorship(c.Request.Context(), req.RoomID, req.UserID, req.Amount)
	switch {
	case errors.Is(err, payments.ErrSponsorshipAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.Error().Err(err).Str("module", "adapters.http").Msg("create sponsorship")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment processor unavailable"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"clientSecret": intent.ClientSecret, "intentId": intent.ID})
}

// PaymentWebhook verifies the processor signature before any decoding.
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	sig := c.GetHeader("Stripe-Signature")
	if err := payments.VerifySignature(payload, sig, h.webhookSecret, payments.DefaultTolerance, time.Now()); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("webhook signature rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad signature"})
		return
	}
	if err := h.pay.HandleWebhook(c.Request.Context(), payload); err != nil {
		if errors.Is(err, payments.ErrUnknownIntent) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Msg("webhook handling failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handlers) Feed(c *gin.Context) {
	items, err := h.feed.Today(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load feed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
