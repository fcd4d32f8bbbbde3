// Package sign derives the header triple AlgoLab requires on every signed
// request: the static API key, the session hash (once authenticated), and a
// per-request Checker value binding the key, hostname and path together.
package sign

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// Headers are the three auth-related headers a signed request carries.
// Hash is empty until a session has been established by the auth coordinator.
type Headers struct {
	APIKey        string
	Authorization string
	Checker       string
}

// ErrInvalidUTF8 is returned when a signer input is not valid UTF-8; this can
// only happen on programmer error (a corrupt static secret or a malformed
// request path), never as a result of server behavior.
type ErrInvalidUTF8 struct {
	Field string
}

func (e ErrInvalidUTF8) Error() string {
	return "sign: invalid UTF-8 in " + e.Field
}

// Checker computes the per-request integrity header:
//
//	Checker = lowerhex(SHA-256(apiKey ‖ hostname ‖ path))
//
// The exact path used here must equal the request path; callers must compute
// Checker after the final path (including any trailing slash normalization)
// has been decided.
func Checker(apiKey, hostname, path string) (string, error) {
	if !utf8.ValidString(apiKey) {
		return "", ErrInvalidUTF8{Field: "apiKey"}
	}
	if !utf8.ValidString(hostname) {
		return "", ErrInvalidUTF8{Field: "hostname"}
	}
	if !utf8.ValidString(path) {
		return "", ErrInvalidUTF8{Field: "path"}
	}

	sum := sha256.Sum256([]byte(apiKey + hostname + path))
	return hex.EncodeToString(sum[:]), nil
}

// Sign builds the full header triple for a request to path, given the static
// apiKey/hostname and the current session hash (may be empty pre-auth).
func Sign(apiKey, hostname, path, hash string) (Headers, error) {
	checker, err := Checker(apiKey, hostname, path)
	if err != nil {
		return Headers{}, err
	}
	return Headers{
		APIKey:        apiKey,
		Authorization: hash,
		Checker:       checker,
	}, nil
}
