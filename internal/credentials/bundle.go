package credentials

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// ProviderCredential is the credential for one OAuth provider.
type ProviderCredential struct {
	ConnectionID string    `json:"connectionId,omitempty"`
	AccessToken  Secret    `json:"accessToken"`
	RefreshToken Secret    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Bundle maps provider ids to credentials. A bundle belongs to exactly one
// injection and is wiped as soon as that injection finishes.
type Bundle struct {
	Credentials map[string]*ProviderCredential `json:"credentials"`
}

// Providers returns the provider ids in sorted order.
func (b *Bundle) Providers() []string {
	if b == nil {
		return nil
	}
	ids := make([]string, 0, len(b.Credentials))
	for id := range b.Credentials {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of providers in the bundle.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Credentials)
}

// EarliestExpiry returns the soonest expiry across providers. The second
// value is false when no provider reports one.
func (b *Bundle) EarliestExpiry() (time.Time, bool) {
	var earliest time.Time
	found := false
	if b == nil {
		return earliest, false
	}
	for _, c := range b.Credentials {
		if c == nil || c.ExpiresAt.IsZero() {
			continue
		}
		if !found || c.ExpiresAt.Before(earliest) {
			earliest = c.ExpiresAt
			found = true
		}
	}
	return earliest, found
}

// Wipe zeroes every token and empties the bundle.
func (b *Bundle) Wipe() {
	if b == nil {
		return
	}
	for id, c := range b.Credentials {
		if c != nil {
			c.AccessToken.Wipe()
			c.RefreshToken.Wipe()
		}
		delete(b.Credentials, id)
	}
}

// envPrefix turns a provider id into the OAUTH_<PROVIDER>_ prefix.
func envPrefix(provider string) string {
	var sb strings.Builder
	sb.WriteString("OAUTH_")
	for _, r := range provider {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(unicode.ToUpper(r))
		} else {
			sb.WriteByte('_')
		}
	}
	sb.WriteByte('_')
	return sb.String()
}
