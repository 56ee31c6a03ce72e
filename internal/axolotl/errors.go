package axolotl

import "errors"

// Protocol failures, each signalled distinctly so callers can apply the
// right recovery policy (silent drop, resend request, user alert).
var (
	// ErrNoSession means a ciphertext references a session we do not hold
	// and carries no prekey material to establish one.
	ErrNoSession = errors.New("axolotl: no session")

	// ErrDuplicateMessage means the message key for this counter was
	// already consumed; the message was processed before.
	ErrDuplicateMessage = errors.New("axolotl: duplicate message")

	// ErrInvalidMessage covers MAC failures, malformed blobs and counters
	// beyond the skipped-key window.
	ErrInvalidMessage = errors.New("axolotl: invalid message")

	// ErrInvalidBundle means a prekey bundle's signed prekey signature
	// does not verify under the bundle's identity key.
	ErrInvalidBundle = errors.New("axolotl: invalid bundle signature")

	// ErrUntrustedIdentity means the remote side presented a different
	// identity key than the one bound to the active session.
	ErrUntrustedIdentity = errors.New("axolotl: remote identity changed")

	// ErrInvalidKey means key material has the wrong length or encoding.
	ErrInvalidKey = errors.New("axolotl: invalid key material")
)
