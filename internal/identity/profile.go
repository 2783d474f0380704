// Package identity recognizes the signed-in user of a call page. Profiles
// are read-only; an unrecognized visitor is a guest.
package identity

import (
	"errors"
	"net/http"
	"strings"
)

var ErrNoToken = errors.New("identity: no session token")

// GuestName is shown when a profile carries no name.
const GuestName = "Guest"

// Profile is the read-only view of the current user.
type Profile struct {
	UserID    string `json:"-"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// DisplayName joins the non-empty name parts, or returns GuestName.
func (p Profile) DisplayName() string {
	parts := make([]string, 0, 2)
	for _, s := range []string{p.FirstName, p.LastName} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return GuestName
	}
	return strings.Join(parts, " ")
}

// Guest reports whether the profile identifies nobody.
func (p Profile) Guest() bool { return p.UserID == "" }

// Resolver maps a request to the profile of its user. It never fails; an
// unknown user resolves to the zero Profile.
type Resolver interface {
	Resolve(r *http.Request) Profile
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) Profile

func (f ResolverFunc) Resolve(r *http.Request) Profile { return f(r) }
