package cache

import (
	"blive-proxy/work/api"
	"blive-proxy/work/config"

	"github.com/maypok86/otter/v2"
)

// RoomCache remembers recent channel lookups so repeated requests for the
// same channel do not hammer the metadata API. Entries expire on a TTL since
// a room can go live or offline at any moment.
type RoomCache struct {
	rooms *otter.Cache[string, *api.Room]
}

// NewRoomCache builds the cache from configuration.
func NewRoomCache(cfg *config.Config) *RoomCache {
	return &RoomCache{
		rooms: otter.Must(&otter.Options[string, *api.Room]{
			MaximumSize:      cfg.RoomCacheSize,
			ExpiryCalculator: otter.ExpiryWriting[string, *api.Room](cfg.RoomCacheTTL),
		}),
	}
}

// Get returns the cached room for a channel, if still fresh.
func (rc *RoomCache) Get(channel string) (*api.Room, bool) {
	return rc.rooms.GetIfPresent(channel)
}

// Put stores a resolved room.
func (rc *RoomCache) Put(channel string, room *api.Room) {
	rc.rooms.Set(channel, room)
}

// Forget drops a channel, forcing the next lookup to hit the API. Used when
// a cached room turns out to be stale (went offline mid-session).
func (rc *RoomCache) Forget(channel string) {
	rc.rooms.Invalidate(channel)
}
