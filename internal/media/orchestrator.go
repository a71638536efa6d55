package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
)

// ErrPublishNotAllowed is returned when a listener tries to unmute or turn
// on a camera without stage rights.
var ErrPublishNotAllowed = errors.New("raise your hand to speak")

// Config wires an Orchestrator. Dialer, Source and Issuer are required.
type Config struct {
	Dialer    core.MediaDialer
	Source    core.TrackSource
	Issuer    core.TokenIssuer
	Notify    core.Notifier
	ServerURL string
	Room      string
	Identity  string
	Name      string
}

// Orchestrator owns one user's media session lifecycle. Connect is
// idempotent; a change in publish capability reconnects with fresh grants.
// It satisfies the engine's Media interface.
type Orchestrator struct {
	cfg    Config
	notify core.Notifier
	tiles  *TileGrid

	mu         sync.Mutex
	role       domain.Role
	session    core.MediaSession
	canPublish bool
	mic        core.LocalTrack
	camera     core.LocalTrack
	screen     core.LocalTrack
	muted      map[string]bool
}

func NewOrchestrator(cfg Config) *Orchestrator {
	notify := cfg.Notify
	if notify == nil {
		notify = core.LogNotifier{}
	}
	return &Orchestrator{
		cfg:    cfg,
		notify: notify,
		tiles:  NewTileGrid(),
		muted:  make(map[string]bool),
	}
}

// SetRole records the role the engine established. It does not reconnect
// by itself; EnsureConnected decides that.
func (o *Orchestrator) SetRole(role domain.Role) {
	o.mu.Lock()
	o.role = role
	o.mu.Unlock()
}

// EnsureConnected opens the media session if needed. Already connected
// with the same publish capability is a no-op; a capability change tears
// the session down and redials so the credential matches the role.
func (o *Orchestrator) EnsureConnected(ctx context.Context, canPublish bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		if o.canPublish == canPublish {
			return nil
		}
		o.disconnectLocked()
	}

	cred, err := o.cfg.Issuer.IssueAccessToken(ctx, o.cfg.Room, o.cfg.Identity, o.cfg.Name, core.Grants{
		CanPublish:     canPublish,
		CanSubscribe:   true,
		CanPublishData: true,
	})
	if err != nil {
		return fmt.Errorf("media: issue token: %w", err)
	}

	session, err := o.cfg.Dialer.Open(ctx, o.cfg.ServerURL, cred, core.SessionOptions{
		AdaptiveStream: true,
		AutoSubscribe:  true,
	}, o.handlers())
	if err != nil {
		return fmt.Errorf("media: open session: %w", err)
	}
	o.session = session
	o.canPublish = canPublish
	return nil
}

func (o *Orchestrator) handlers() core.SessionHandlers {
	return core.SessionHandlers{
		OnParticipantJoined: func(identity, name string) {
			o.tiles.EnsureTile(identity, name)
		},
		OnParticipantLeft: func(identity string) {
			o.tiles.Remove(identity)
			o.mu.Lock()
			delete(o.muted, identity)
			o.mu.Unlock()
		},
		OnTrackSubscribed:   o.tiles.Attach,
		OnTrackUnsubscribed: o.tiles.Detach,
		OnSpeakingChanged:   o.tiles.SetSpeaking,
		OnQualityChanged:    o.tiles.SetQuality,
		OnDisconnected: func(reason core.DisconnectReason) {
			if reason == core.DisconnectLost {
				o.notify.Notify(core.NoticeError, "Media connection lost")
			}
		},
	}
}

// Disconnect stops local tracks and closes the session. Safe to call when
// not connected.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnectLocked()
}

func (o *Orchestrator) disconnectLocked() {
	for _, t := range []*core.LocalTrack{&o.mic, &o.camera, &o.screen} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
	if o.session != nil {
		o.session.Disconnect()
		o.session = nil
	}
	o.canPublish = false
}

// ToggleMic publishes or unpublishes the microphone. Listeners without
// stage rights are refused.
func (o *Orchestrator) ToggleMic(ctx context.Context) (bool, error) {
	return o.toggle(ctx, &o.mic, func() (core.LocalTrack, error) {
		return o.cfg.Source.CreateAudioTrack()
	})
}

// ToggleCamera publishes or unpublishes the camera.
func (o *Orchestrator) ToggleCamera(ctx context.Context) (bool, error) {
	return o.toggle(ctx, &o.camera, func() (core.LocalTrack, error) {
		return o.cfg.Source.CreateVideoTrack()
	})
}

// ToggleScreenShare publishes or unpublishes a screen capture track.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	return o.toggle(ctx, &o.screen, func() (core.LocalTrack, error) {
		return o.cfg.Source.CreateScreenTrack()
	})
}

// toggle flips one local track slot. Returns whether the track is now on.
func (o *Orchestrator) toggle(ctx context.Context, slot *core.LocalTrack, create func() (core.LocalTrack, error)) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if *slot != nil {
		if err := o.session.UnpublishTrack(ctx, *slot); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("unpublish failed")
		}
		(*slot).Stop()
		*slot = nil
		return false, nil
	}

	if !o.role.CanPublish() {
		o.notify.Notify(core.NoticeError, "Raise your hand to speak")
		return false, ErrPublishNotAllowed
	}
	if o.session == nil || !o.canPublish {
		return false, fmt.Errorf("media: not connected for publishing")
	}
	track, err := create()
	if err != nil {
		o.notify.Notify(core.NoticeError, "Could not access capture device")
		return false, fmt.Errorf("media: create track: %w", err)
	}
	if err := o.session.PublishTrack(ctx, track); err != nil {
		track.Stop()
		o.notify.Notify(core.NoticeError, "Failed to publish track")
		return false, fmt.Errorf("media: publish track: %w", err)
	}
	*slot = track
	return true, nil
}

// MicOn reports whether the microphone track is published.
func (o *Orchestrator) MicOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mic != nil
}

// CameraOn reports whether the camera track is published.
func (o *Orchestrator) CameraOn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.camera != nil
}

// ScreenSharing reports whether a screen track is published.
func (o *Orchestrator) ScreenSharing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screen != nil
}

// MuteLocally silences an identity for this viewer only. Nothing is
// written to the store and nobody else is affected.
func (o *Orchestrator) MuteLocally(identity string, mute bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if mute {
		o.muted[identity] = true
		return
	}
	delete(o.muted, identity)
}

// MutedLocally reports whether this viewer muted the identity.
func (o *Orchestrator) MutedLocally(identity string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted[identity]
}

// Tiles exposes the grid for rendering.
func (o *Orchestrator) Tiles() *TileGrid { return o.tiles }
