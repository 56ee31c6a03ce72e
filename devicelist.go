package omemo

import "context"

// UpdateDeviceList records the advertised device set for an address, as
// observed by the host's subscription to the directory.
func (m *Manager) UpdateDeviceList(name string, deviceIDs []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices.UpdateDeviceList(name, deviceIDs)
}

// RefreshDeviceList fetches and records the advertised device set for an
// address from the directory.
func (m *Manager) RefreshDeviceList(ctx context.Context, name string) error {
	if m.directory == nil {
		return nil
	}
	ids, err := m.directory.FetchDeviceList(ctx, name)
	if err != nil {
		return err
	}
	return m.UpdateDeviceList(name, ids)
}

// DevicesForPublish returns the own device ids the directory should
// advertise, always including our own.
func (m *Manager) DevicesForPublish() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.devices.ActiveDevices(m.name)
	for _, id := range ids {
		if id == m.devices.OwnDevice() {
			return ids
		}
	}
	return append(ids, m.devices.OwnDevice())
}

// IsOwnDevicePublished reports whether our device id appeared in the
// last advertised list observed for our own address.
func (m *Manager) IsOwnDevicePublished() bool {
	return m.devices.IsOwnDevicePublished()
}

// PublishOwnDevices pushes our device list to the directory.
func (m *Manager) PublishOwnDevices(ctx context.Context) error {
	if m.directory == nil {
		return nil
	}
	return m.directory.PublishDeviceList(ctx, m.name, m.DevicesForPublish())
}

// Sessions returns every (address, device) we hold an active session
// with.
func (m *Manager) Sessions() ([]Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ActiveDeviceTuples()
}

// AddRoomMember records that an address participates in a room for
// encryption purposes.
func (m *Manager) AddRoomMember(room, member string) {
	m.devices.AddRoomMember(room, member)
}

// RemoveRoomMember removes an address from a room's member set.
func (m *Manager) RemoveRoomMember(room, member string) {
	m.devices.RemoveRoomMember(room, member)
}

// RoomMembers returns the member addresses of a room.
func (m *Manager) RoomMembers(room string) []string {
	return m.devices.RoomMembers(room)
}
