package entitlement

import (
	"sync"

	"guild-entitlements/internal/store"
)

// guildLocks serialises work per guild. Entries are dropped when unused.
type guildLocks struct {
	mu    sync.Mutex
	locks map[store.GuildID]*guildLock
}

type guildLock struct {
	mu   sync.Mutex
	refs int
}

func newGuildLocks() *guildLocks {
	return &guildLocks{locks: make(map[store.GuildID]*guildLock)}
}

// Lock blocks until guild is free and returns the matching unlock.
func (g *guildLocks) Lock(guild store.GuildID) func() {
	g.mu.Lock()
	l, ok := g.locks[guild]
	if !ok {
		l = &guildLock{}
		g.locks[guild] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, guild)
		}
		g.mu.Unlock()
	}
}

func (g *guildLocks) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
