package store

// TrustState is the user-controlled authorization level of one peer
// identity key. New keys always start Undecided; every transition after
// that is a user action, never an automatic one.
type TrustState int

const (
	Undecided TrustState = iota
	Trusted
	NotTrusted
	Verified
)

func (t TrustState) String() string {
	switch t {
	case Undecided:
		return "undecided"
	case Trusted:
		return "trusted"
	case NotTrusted:
		return "not-trusted"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// CanEncrypt reports whether a key in this state may receive wrapped
// payload keys. Undecided keys never silently receive encrypted copies.
func (t TrustState) CanEncrypt() bool {
	return t == Trusted || t == Verified
}
