// Package devices tracks which (address, device) tuples exist, which are
// active, and which are eligible to receive encrypted payload keys.
package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/omemo-im/omemo-go/internal/axolotl"
	"github.com/omemo-im/omemo-go/internal/store"
)

// ErrNoDevices is returned when a recipient resolves to zero eligible
// devices, so no encrypted copy could be produced for anyone.
var ErrNoDevices = errors.New("devices: no eligible devices for recipient")

// Registry is the slice of the store the manager needs.
type Registry interface {
	LocalRegistrationID() (uint32, error)
	ActiveDeviceTuples() ([]axolotl.Address, error)
	SetActiveState(address string, deviceIDs []uint32) error
	TrustForDevice(address string, deviceID uint32) (store.TrustState, bool, error)
}

// Manager holds the in-memory device lists, seeded from the store and
// refreshed from advertised device lists as they arrive.
type Manager struct {
	reg Registry
	log *slog.Logger

	ownName   string
	ownDevice uint32

	mu sync.Mutex
	// devices maps address to the set of device ids and their active flag.
	devices map[string]map[uint32]bool
	// rooms maps a room address to its member set.
	rooms map[string]map[string]bool
	// published reports whether our own device id appeared in the last
	// advertised list we saw for ourselves.
	published bool
}

// New builds a manager for the account ownName, deriving our device id
// from the registration id and seeding device lists from stored sessions.
func New(reg Registry, ownName string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	regID, err := reg.LocalRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("devices: registration id: %w", err)
	}

	m := &Manager{
		reg:     reg,
		log:     log,
		ownName: ownName,
		// Device ids live in 1..2^31-1; fold the registration id into
		// that range, off by one so id 0 never appears.
		ownDevice: regID%(1<<31-1) + 1,
		devices:   make(map[string]map[uint32]bool),
		rooms:     make(map[string]map[string]bool),
	}

	tuples, err := reg.ActiveDeviceTuples()
	if err != nil {
		return nil, fmt.Errorf("devices: seed from store: %w", err)
	}
	for _, addr := range tuples {
		m.add(addr.Name, addr.DeviceID, true)
	}
	m.add(ownName, m.ownDevice, true)
	return m, nil
}

// OwnDevice returns our own device id.
func (m *Manager) OwnDevice() uint32 { return m.ownDevice }

// OwnName returns our own account address.
func (m *Manager) OwnName() string { return m.ownName }

func (m *Manager) add(name string, id uint32, active bool) {
	set, ok := m.devices[name]
	if !ok {
		set = make(map[uint32]bool)
		m.devices[name] = set
	}
	set[id] = active
}

// UpdateDeviceList replaces the advertised device set for an address.
// Devices that drop off the list stay known but inactive; their sessions
// are retained so old messages still decrypt.
func (m *Manager) UpdateDeviceList(name string, ids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.devices[name]
	if !ok {
		set = make(map[uint32]bool)
		m.devices[name] = set
	}
	for id := range set {
		set[id] = false
	}
	for _, id := range ids {
		set[id] = true
	}

	if name == m.ownName {
		m.published = slices.Contains(ids, m.ownDevice)
		// Our own device is always live locally.
		set[m.ownDevice] = true
	}

	if err := m.reg.SetActiveState(name, ids); err != nil {
		return err
	}
	m.log.Debug("device list updated", "address", name, "devices", len(ids))
	return nil
}

// IsOwnDevicePublished reports whether the last advertised list for our
// own address contained our device id. When false, callers should
// republish.
func (m *Manager) IsOwnDevicePublished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// ActiveDevices returns the active device ids known for an address.
func (m *Manager) ActiveDevices(name string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(name)
}

func (m *Manager) activeLocked(name string) []uint32 {
	var ids []uint32
	for id, active := range m.devices[name] {
		if active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AddRoomMember records that an address participates in a room.
func (m *Manager) AddRoomMember(room, member string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rooms[room]
	if !ok {
		set = make(map[string]bool)
		m.rooms[room] = set
	}
	set[member] = true
}

// RemoveRoomMember removes an address from a room's member set.
func (m *Manager) RemoveRoomMember(room, member string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[room], member)
}

// RoomMembers returns the member addresses of a room, or nil when the
// address is not a known room.
func (m *Manager) RoomMembers(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rooms[room]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members
}

// DevicesForEncryption resolves target to the set of devices that should
// receive a wrapped payload key. For a room the set spans every member;
// it always includes our own sibling devices and never our own device.
// Devices whose identity key is untrusted or explicitly distrusted are
// filtered out; devices we have never seen a key for stay eligible so a
// first contact can bootstrap a session.
func (m *Manager) DevicesForEncryption(target string) ([]axolotl.Address, error) {
	m.mu.Lock()
	names := []string{target}
	if members, ok := m.rooms[target]; ok {
		names = names[:0]
		for member := range members {
			names = append(names, member)
		}
	}
	if !slices.Contains(names, m.ownName) {
		names = append(names, m.ownName)
	}
	sort.Strings(names)

	var candidates []axolotl.Address
	for _, name := range names {
		for _, id := range m.activeLocked(name) {
			if name == m.ownName && id == m.ownDevice {
				continue
			}
			candidates = append(candidates, axolotl.Address{Name: name, DeviceID: id})
		}
	}
	m.mu.Unlock()

	var eligible []axolotl.Address
	for _, addr := range candidates {
		state, known, err := m.reg.TrustForDevice(addr.Name, addr.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("devices: trust for %s: %w", addr, err)
		}
		if known && !state.CanEncrypt() {
			m.log.Debug("skipping device", "address", addr.String(), "trust", state.String())
			continue
		}
		eligible = append(eligible, addr)
	}
	if len(eligible) == 0 {
		return nil, ErrNoDevices
	}
	return eligible, nil
}
