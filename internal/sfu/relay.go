// Package sfu is the built-in fallback media path: a selective forwarding
// unit that relays RTP from each stage participant to every subscriber.
// Used when no external media backend is configured.
package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type outletState int32

const (
	outletLive outletState = iota
	outletMuted
	outletStopped
)

// outlet is one subscriber leg of a relay: the local track RTP is copied
// into, plus its lifecycle state. State changes are atomic so the forward
// loop never blocks on a subscriber being torn down.
type outlet struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is outletLive
}

func newOutlet(track *webrtc.TrackLocalStaticRTP) *outlet {
	return &outlet{track: track}
}

func (o *outlet) current() outletState { return outletState(o.state.Load()) }
func (o *outlet) mute()                { o.state.Store(int32(outletMuted)) }
func (o *outlet) stop()                { o.state.Store(int32(outletStopped)) }

// Relay fans one publisher's track out to subscribers, keyed by the
// subscriber's participant identity.
type Relay struct {
	Src *webrtc.TrackRemote

	mu      sync.RWMutex
	outlets map[string]*outlet

	cancel context.CancelFunc
}

func NewRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:     src,
		outlets: make(map[string]*outlet),
		cancel:  cancel,
	}
}

// loop reads RTP packets from the source track and forwards them to all
// outlets until the context is done or the source errors.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, stopping all outlets")
			r.stopAll()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.stopAll()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[string]*outlet, len(r.outlets))
	r.mu.RLock()
	maps.Copy(snapshot, r.outlets)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for dst, o := range snapshot {
		switch o.current() {
		case outletStopped:
			dirty = append(dirty, dst)
		case outletMuted:
		case outletLive:
			if err := o.track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", dst).
					Msg("relay write RTP error, stopping outlet")
				o.stop()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupStopped(dirty)
	}
}

func (r *Relay) cleanupStopped(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		delete(r.outlets, dst)
	}
}

func (r *Relay) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.outlets {
		o.stop()
	}
}

func (r *Relay) addOutlet(dst string, o *outlet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outlets[dst] = o
}
