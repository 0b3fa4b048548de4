package boot

import "strconv"

// Slot is one of the two rootfs partitions.
type Slot struct {
	// Name is "A" or "B".
	Name string
	// ID is the value stored in mender_boot_part, usually the partition number.
	ID string
	// Device is the block device or image file backing the slot.
	Device string
}

// NewSlot builds a slot, deriving its ID from the trailing digits of the
// device path ("/dev/mmcblk0p3" -> "3"). Devices without a numeric suffix use
// the slot name as ID.
func NewSlot(name, device string) Slot {
	id := trailingDigits(device)
	if id == "" {
		id = name
	}

	return Slot{
		Name:   name,
		ID:     id,
		Device: device,
	}
}

// HexID renders the ID for mender_boot_part_hex. ok is false for non-numeric IDs.
func (s Slot) HexID() (string, bool) {
	n, err := strconv.ParseUint(s.ID, 10, 32)
	if err != nil {
		return "", false
	}

	return strconv.FormatUint(n, 16), true
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	return s.Name + "(" + s.Device + ")"
}

func trailingDigits(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}

	return s[i:]
}
