package boot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewSlot checks ID derivation from device paths.
func TestNewSlot(t *testing.T) {
	t.Parallel()

	s := NewSlot("B", "/dev/mmcblk0p3")
	require.Equal(t, "3", s.ID)

	hex, ok := s.HexID()
	require.True(t, ok)
	require.Equal(t, "3", hex)

	s = NewSlot("A", "/dev/sda12")
	hex, ok = s.HexID()
	require.True(t, ok)
	require.Equal(t, "c", hex)

	s = NewSlot("A", "/var/lib/abota/rootfs-a.img")
	require.Equal(t, "A", s.ID)

	_, ok = s.HexID()
	require.False(t, ok)
}

// TestUpdateRecordClone ensures clones do not alias.
func TestUpdateRecordClone(t *testing.T) {
	t.Parallel()

	var nilRecord *UpdateRecord
	require.Nil(t, nilRecord.Clone())

	r := &UpdateRecord{ArtifactName: "release-1", Phase: PhaseInstalled}
	c := r.Clone()
	c.Phase = PhaseCommitted

	require.Equal(t, PhaseInstalled, r.Phase)
}
