// Package media orchestrates the local user's media session: access
// tokens, connecting with role-appropriate grants, publish toggles, and
// the tile grid the UI renders.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/speakers-live/speakers-server/internal/core"
)

const defaultTokenTTL = 6 * time.Hour

// HSTokenIssuer mints HS256 access tokens in the shape the media backend
// expects: issuer is the API key, subject the participant identity, and a
// "video" claim carries the room grant.
type HSTokenIssuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

func NewTokenIssuer(apiKey, apiSecret string, ttl time.Duration) *HSTokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &HSTokenIssuer{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}
}

func (i *HSTokenIssuer) IssueAccessToken(ctx context.Context, room, identity, name string, grants core.Grants) (core.Credential, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if room == "" || identity == "" {
		return "", fmt.Errorf("media: token needs room and identity")
	}
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(i.apiKey).
		Subject(identity).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(i.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("media: build token: %w", err)
	}
	if err := tok.Set("name", name); err != nil {
		return "", err
	}
	videoGrant := map[string]any{
		"room":           room,
		"roomJoin":       true,
		"canPublish":     grants.CanPublish,
		"canSubscribe":   grants.CanSubscribe,
		"canPublishData": grants.CanPublishData,
	}
	if err := tok.Set("video", videoGrant); err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(i.apiSecret)))
	if err != nil {
		return "", fmt.Errorf("media: sign token: %w", err)
	}
	return core.Credential(signed), nil
}
