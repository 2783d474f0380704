package identity

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/codeflex/program-call/internal/logging"
	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider reads the session token set by the site's auth layer and maps
// its claims to a Profile.
type JWTProvider struct {
	cookie  string
	key     interface{}
	methods []string
	enrich  *DiscordResolver
}

// JWTOptions configures NewJWTProvider. Exactly one of Secret and
// PublicKeyPEM selects the verification key; with neither, every request
// resolves to a guest.
type JWTOptions struct {
	CookieName   string
	Secret       string
	PublicKeyPEM []byte
	Discord      *DiscordResolver
}

func NewJWTProvider(opts JWTOptions) (*JWTProvider, error) {
	p := &JWTProvider{cookie: opts.CookieName, enrich: opts.Discord}
	if p.cookie == "" {
		p.cookie = "__session"
	}
	switch {
	case opts.Secret != "" && len(opts.PublicKeyPEM) > 0:
		return nil, fmt.Errorf("identity: secret and public key are mutually exclusive")
	case opts.Secret != "":
		p.key = []byte(opts.Secret)
		p.methods = []string{"HS256", "HS384", "HS512"}
	case len(opts.PublicKeyPEM) > 0:
		key, err := jwt.ParseRSAPublicKeyFromPEM(opts.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("identity: parse public key: %w", err)
		}
		p.key = key
		p.methods = []string{"RS256", "RS384", "RS512"}
	}
	return p, nil
}

// LoadPublicKey reads a PEM file for JWTOptions.PublicKeyPEM. An empty path
// returns nil.
func LoadPublicKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read public key %s: %w", path, err)
	}
	return b, nil
}

// Resolve never fails: a missing or invalid token yields a guest profile.
func (p *JWTProvider) Resolve(r *http.Request) Profile {
	prof, err := p.ProfileFromRequest(r)
	if err != nil {
		if err != ErrNoToken {
			logging.Debugw("identity: session token rejected", "err", err)
		}
		return Profile{}
	}
	return prof
}

// ProfileFromRequest verifies the request's session token and returns the
// profile it names.
func (p *JWTProvider) ProfileFromRequest(r *http.Request) (Profile, error) {
	if p.key == nil {
		return Profile{}, ErrNoToken
	}
	raw := tokenFromRequest(r, p.cookie)
	if raw == "" {
		return Profile{}, ErrNoToken
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return p.key, nil
	}, jwt.WithValidMethods(p.methods))
	if err != nil {
		return Profile{}, fmt.Errorf("identity: verify token: %w", err)
	}

	prof := Profile{
		FirstName: stringClaim(claims, "first_name"),
		LastName:  stringClaim(claims, "last_name"),
		ImageURL:  stringClaim(claims, "image_url"),
	}
	prof.UserID, _ = claims.GetSubject()
	if discordID := stringClaim(claims, "discord_id"); discordID != "" && p.enrich != nil {
		prof = p.enrich.Enrich(prof, discordID)
	}
	return prof, nil
}

func tokenFromRequest(r *http.Request, cookie string) string {
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func stringClaim(c jwt.MapClaims, key string) string {
	s, _ := c[key].(string)
	return strings.TrimSpace(s)
}
