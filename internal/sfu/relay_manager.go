package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PublishGate decides whether an identity may publish right now. The
// signal layer supplies one backed by the participant store, so only
// on-stage identities get a relay.
type PublishGate func(identity string) bool

type RelayManager struct {
	gate PublishGate

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager(gate PublishGate) *RelayManager {
	return &RelayManager{
		gate:   gate,
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a Relay for the publisher identity and starts its
// loop. Returns false when the gate refuses the identity.
func (m *RelayManager) StartRelay(ctx context.Context, identity string, track *webrtc.TrackRemote) bool {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("identity", identity).
		Logger()

	if m.gate != nil && !m.gate(identity) {
		logger.Warn().Msg("publish refused, identity is not on stage")
		return false
	}

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[identity]; ok {
		logger.Info().Msg("replacing existing relay for identity")
		old.stopAll()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[identity] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return true
}

// AddSubscriber attaches an outlet to src's relay for dst.
func (m *RelayManager) AddSubscriber(src, dst string, localTrack *webrtc.TrackLocalStaticRTP) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.addOutlet(dst, newOutlet(localTrack))
}

// MarkSubscriberDelete stops dst's outlet on src's relay; the forward
// loop removes it on the next packet.
func (m *RelayManager) MarkSubscriberDelete(src, dst string) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	o, ok := relay.outlets[dst]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	o.stop()
}

// StopRelay stops an identity's relay and removes it.
func (m *RelayManager) StopRelay(identity string) {
	m.mu.Lock()
	relay, ok := m.relays[identity]
	if ok {
		delete(m.relays, identity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.stopAll()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for identity.
func (m *RelayManager) HasRelay(identity string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[identity]
	return ok
}

// SrcTrack returns the source track for an identity's relay.
func (m *RelayManager) SrcTrack(identity string) (*webrtc.TrackRemote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[identity]
	if !ok {
		return nil, false
	}
	return relay.Src, true
}
