package media

import (
	"strings"
	"sync"

	"github.com/speakers-live/speakers-server/internal/core"
)

const screenSuffix = "_screen"

// Tile is one rendered video slot. A screen share gets its own tile keyed
// "<identity>_screen" so camera and screen render side by side.
type Tile struct {
	Key      string
	Identity string
	Name     string
	HasAudio bool
	HasVideo bool
	IsScreen bool
	Speaking bool
	Quality  core.ConnectionQuality
}

// TileGrid tracks which identities have visible tiles. Tiles are created
// lazily on the first joined/subscribed event for an identity and removed
// when the identity leaves; attach and detach are one-to-one per track.
type TileGrid struct {
	mu    sync.RWMutex
	tiles map[string]*Tile
	order []string
}

func NewTileGrid() *TileGrid {
	return &TileGrid{tiles: make(map[string]*Tile)}
}

func (g *TileGrid) EnsureTile(identity, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(identity, identity, name, false)
}

func (g *TileGrid) ensureLocked(key, identity, name string, screen bool) *Tile {
	if t, ok := g.tiles[key]; ok {
		if name != "" {
			t.Name = name
		}
		return t
	}
	t := &Tile{Key: key, Identity: identity, Name: name, IsScreen: screen}
	g.tiles[key] = t
	g.order = append(g.order, key)
	return t
}

// Attach routes a subscribed track to its tile. Tracks named with the
// screen suffix open a dedicated screen tile.
func (g *TileGrid) Attach(track core.RemoteTrack) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, screen := tileKey(track)
	t := g.ensureLocked(key, track.Identity(), "", screen)
	switch track.Kind() {
	case core.TrackAudio:
		t.HasAudio = true
	case core.TrackVideo:
		t.HasVideo = true
	}
}

// Detach reverses Attach. A screen tile with no remaining tracks is
// dropped; camera tiles stay until the identity leaves.
func (g *TileGrid) Detach(track core.RemoteTrack) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, screen := tileKey(track)
	t, ok := g.tiles[key]
	if !ok {
		return
	}
	switch track.Kind() {
	case core.TrackAudio:
		t.HasAudio = false
	case core.TrackVideo:
		t.HasVideo = false
	}
	if screen && !t.HasAudio && !t.HasVideo {
		g.removeLocked(key)
	}
}

// Remove drops the identity's camera tile and any screen tile.
func (g *TileGrid) Remove(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(identity)
	g.removeLocked(identity + screenSuffix)
}

func (g *TileGrid) removeLocked(key string) {
	if _, ok := g.tiles[key]; !ok {
		return
	}
	delete(g.tiles, key)
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *TileGrid) SetSpeaking(identity string, speaking bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tiles[identity]; ok {
		t.Speaking = speaking
	}
}

func (g *TileGrid) SetQuality(identity string, quality core.ConnectionQuality) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tiles[identity]; ok {
		t.Quality = quality
	}
}

// Snapshot returns tiles in creation order.
func (g *TileGrid) Snapshot() []Tile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Tile, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, *g.tiles[key])
	}
	return out
}

func (g *TileGrid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tiles)
}

func tileKey(track core.RemoteTrack) (string, bool) {
	if strings.HasSuffix(track.Name(), screenSuffix) {
		return track.Identity() + screenSuffix, true
	}
	return track.Identity(), false
}
