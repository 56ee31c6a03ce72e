package omemo

// Event is something the host UI should know about. Events are emitted
// synchronously to the single registered Observer; the observer must not
// call back into the Manager.
type Event interface{ event() }

// Observer receives events.
type Observer interface {
	HandleEvent(Event)
}

// NewFingerprintEvent is raised when an identity key is observed for the
// first time. The key lands in the store as undecided; the UI should
// prompt the user to trust or distrust it.
type NewFingerprintEvent struct {
	Address     string
	Fingerprint string
}

// DeviceSkippedEvent is raised when a recipient device is dropped from a
// fan-out because its session could not be established or advanced.
type DeviceSkippedEvent struct {
	Device Address
	Err    error
}

// UntrustedIdentityEvent is raised when a peer presents a different
// identity key than the one bound to the active session.
type UntrustedIdentityEvent struct {
	Device Address
}

func (NewFingerprintEvent) event()    {}
func (DeviceSkippedEvent) event()     {}
func (UntrustedIdentityEvent) event() {}
