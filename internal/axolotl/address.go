package axolotl

import "fmt"

// Address identifies one device of one peer: a bare address (no resource
// suffix) plus the device's 31-bit id.
type Address struct {
	Name     string
	DeviceID uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Name, a.DeviceID)
}
