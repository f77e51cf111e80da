package credentials

import (
	"encoding/json"
	"log/slog"
)

const redacted = "[REDACTED]"

// Secret wraps a credential value to prevent accidental logging.
//
// Every formatting and serialization path returns "[REDACTED]". The raw
// value is only reachable through Reveal, which is called when building
// the container environment and nowhere else.
type Secret struct {
	b []byte
}

// NewSecret creates a new Secret wrapping the given value.
func NewSecret(value string) Secret {
	if value == "" {
		return Secret{}
	}
	return Secret{b: []byte(value)}
}

// Reveal returns the actual value. Never log the result of this method.
func (s Secret) Reveal() string {
	return string(s.b)
}

// IsEmpty returns true if the secret holds no value.
func (s Secret) IsEmpty() bool {
	return len(s.b) == 0
}

// Wipe zeroes the underlying bytes. Copies of the Secret share them and
// are wiped too.
func (s *Secret) Wipe() {
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

// String implements fmt.Stringer.
func (s Secret) String() string {
	return redacted
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "credentials.Secret{" + redacted + "}"
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// UnmarshalJSON reads a plain JSON string into the secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = NewSecret(v)
	return nil
}
