package auth

// Secret is a string type that redacts its value in String(), GoString(), and
// MarshalText() to prevent accidental exposure in logs, JSON output, or
// fmt.Printf. The actual value is only accessible via the [Secret.Value]
// method.
type Secret string

// secretRedacted is the placeholder text shown instead of the actual secret
// value when the secret is printed, formatted, or serialized.
const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder, covering fmt.Printf("%#v").
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string.
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }
