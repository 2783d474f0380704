package identity

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/codeflex/program-call/internal/logging"
)

// DiscordResolver fills in names and avatars for users who signed in with
// Discord. Lookups go through the Discord REST API and are cached.
type DiscordResolver struct {
	lookup func(userID string) (*discordgo.User, error)
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	user   discordUser
	expiry time.Time
}

type discordUser struct {
	name   string
	avatar string
}

// NewDiscordResolver returns nil when s is nil so callers can pass the
// result straight into JWTOptions.
func NewDiscordResolver(s *discordgo.Session, ttl time.Duration) *DiscordResolver {
	if s == nil {
		return nil
	}
	return newDiscordResolver(func(id string) (*discordgo.User, error) { return s.User(id) }, ttl)
}

func newDiscordResolver(lookup func(string) (*discordgo.User, error), ttl time.Duration) *DiscordResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DiscordResolver{
		lookup: lookup,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Enrich fills the empty name and image fields of p from the Discord user.
// Fields the token already carries win.
func (d *DiscordResolver) Enrich(p Profile, discordID string) Profile {
	if d == nil || discordID == "" {
		return p
	}
	if p.FirstName != "" && p.ImageURL != "" {
		return p
	}
	u, ok := d.user(discordID)
	if !ok {
		return p
	}
	if p.FirstName == "" && p.LastName == "" {
		p.FirstName = u.name
	}
	if p.ImageURL == "" {
		p.ImageURL = u.avatar
	}
	return p
}

func (d *DiscordResolver) user(id string) (discordUser, bool) {
	d.mu.Lock()
	if e, ok := d.cache[id]; ok {
		if d.now().Before(e.expiry) {
			d.mu.Unlock()
			return e.user, true
		}
		delete(d.cache, id)
	}
	d.mu.Unlock()

	u, err := d.lookup(id)
	if err != nil || u == nil {
		logging.Debugw("identity: discord user lookup failed", "discord.id", id, "err", err)
		return discordUser{}, false
	}
	du := discordUser{name: u.GlobalName, avatar: u.AvatarURL("256")}
	if du.name == "" {
		du.name = u.Username
	}
	d.mu.Lock()
	d.cache[id] = cacheEntry{user: du, expiry: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return du, true
}
