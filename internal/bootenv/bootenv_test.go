package bootenv

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/abota/internal/blockdev"
)

const regionSize = 256

//nolint:gochecknoglobals // Shared fixture.
var testDefaults = Env{
	"upgrade_available": "0",
	"bootcount":         "0",
	"bootlimit":         "1",
	"mender_boot_part":  "2",
}

func newTestStore(t *testing.T) (*Store, *blockdev.MemDevice) {
	t.Helper()

	dev := blockdev.NewMemDevice(4 * regionSize)
	store, err := NewStore([]Region{
		{Device: "env", Offset: regionSize, Size: regionSize},
		{Device: "env", Offset: 2 * regionSize, Size: regionSize},
	}, testDefaults, WithOpener(blockdev.MemOpener(map[string]*blockdev.MemDevice{"env": dev})))
	require.NoError(t, err)

	return store, dev
}

// TestEncodeDecode checks serialization, checksum validation and size limits.
func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	env := Env{"bootcount": "1", "mender_boot_part": "3", "empty_ok": "x=y"}

	raw, err := Encode(env, 7, 64)
	require.NoError(t, err)
	require.Len(t, raw, 64)

	got, counter, ok := Decode(raw)
	require.True(t, ok)
	require.EqualValues(t, 7, counter)

	if diff := cmp.Diff(env, got); diff != "" {
		t.Fatalf("decoded environment mismatch (-want +got):\n%s", diff)
	}

	raw[HeaderSize+1] ^= 0x01
	_, _, ok = Decode(raw)
	require.False(t, ok)

	_, _, ok = Decode(make([]byte, 64))
	require.False(t, ok, "a zeroed copy must not validate")

	_, err = Encode(Env{"name": string(make([]byte, 64))}, 0, 64)
	require.ErrorIs(t, err, ErrEnvTooLarge)

	require.Equal(t, "bootcount=1\nempty_ok=x=y\nmender_boot_part=3\n", env.String())
	require.Equal(t, 1, env.Int("bootcount", 9))
	require.Equal(t, 9, env.Int("missing", 9))
}

// TestInvalidVariables rejects names and values that would not decode back
// to the same variables, leaving both copies untouched.
func TestInvalidVariables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		delta Env
	}{
		{name: "NUL in value smuggles a variable", delta: Env{"x": "a\x00upgrade_available=1"}},
		{name: "equals sign in name", delta: Env{"bootcount=1 upgrade_available": "1"}},
		{name: "empty name", delta: Env{"": "1"}},
		{name: "NUL in name", delta: Env{"boot\x00count": "1"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Encode(tt.delta, 1, regionSize)
			require.ErrorIs(t, err, ErrInvalidVariable)

			ctx := context.Background()
			store, _ := newTestStore(t)

			before, err := store.Write(ctx, Env{"bootcount": "0"})
			require.NoError(t, err)

			_, err = store.Write(ctx, tt.delta)
			require.ErrorIs(t, err, ErrInvalidVariable)

			after, err := store.Read(ctx)
			require.NoError(t, err)
			require.Equal(t, before.Checksums, after.Checksums)
			require.Equal(t, "0", after.Env["upgrade_available"])
		})
	}

	img := Image{Defaults: testDefaults}
	img.Copies[0] = make([]byte, regionSize)
	img.Copies[1] = make([]byte, regionSize)

	_, _, err := img.Apply(Env{"x": "a\x00upgrade_available=1"})
	require.ErrorIs(t, err, ErrInvalidVariable)
}

// TestResolve covers defaults, single corrupt copy, counter order and wraparound.
func TestResolve(t *testing.T) {
	t.Parallel()

	mk := func(env Env, counter uint8) []byte {
		raw, err := Encode(env, counter, regionSize)
		require.NoError(t, err)

		return raw
	}

	older := Env{"bootcount": "0"}
	newerEnv := Env{"bootcount": "1"}
	garbage := make([]byte, regionSize)

	cases := []struct {
		name       string
		copies     [2][]byte
		want       Env
		current    int
		corruption error
	}{
		{"both corrupt", [2][]byte{garbage, garbage}, testDefaults, NoCopy, ErrBothCopiesCorrupt},
		{"first corrupt", [2][]byte{garbage, mk(older, 4)}, older, 1, ErrOneCopyCorrupt},
		{"second corrupt", [2][]byte{mk(older, 4), garbage}, older, 0, ErrOneCopyCorrupt},
		{"second newer", [2][]byte{mk(older, 4), mk(newerEnv, 5)}, newerEnv, 1, nil},
		{"first newer", [2][]byte{mk(newerEnv, 5), mk(older, 4)}, newerEnv, 0, nil},
		{"wraparound", [2][]byte{mk(older, 255), mk(newerEnv, 0)}, newerEnv, 1, nil},
		{"equal counters", [2][]byte{mk(newerEnv, 9), mk(older, 9)}, newerEnv, 0, nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			res := Image{Copies: tc.copies, Defaults: testDefaults}.Resolve()
			require.Equal(t, tc.current, res.Current)
			require.ErrorIs(t, res.Corruption, tc.corruption)

			if tc.corruption == nil {
				require.NoError(t, res.Corruption)
			}

			if diff := cmp.Diff(tc.want, res.Env); diff != "" {
				t.Fatalf("resolved environment mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestExactlyOneCopyChangesPerWrite checks that every transaction changes
// the checksum of one copy only, alternating between the copies.
func TestExactlyOneCopyChangesPerWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	prev, err := store.Read(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, prev.Corruption, ErrBothCopiesCorrupt)

	lastWritten := NoCopy

	for i := 0; i < 300; i++ {
		snap, err := store.Write(ctx, Env{"bootcount": fmt.Sprint(i)})
		require.NoError(t, err)

		changed := 0

		for c := range snap.Checksums {
			if snap.Checksums[c] != prev.Checksums[c] {
				changed++
			}
		}

		require.Equal(t, 1, changed, "write %d", i)
		require.NotEqual(t, lastWritten, snap.Current, "write %d", i)
		require.Equal(t, fmt.Sprint(i), snap.Env["bootcount"])
		require.Equal(t, "2", snap.Env["mender_boot_part"], "defaults carried over")

		lastWritten = snap.Current
		prev = snap
	}
}

// TestWriteThenCorruptNewCopy corrupts the freshly written copy and expects
// the environment from before the write.
func TestWriteThenCorruptNewCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Write(ctx, Env{"upgrade_available": "0", "bootcount": "0"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		before, err := store.Read(ctx)
		require.NoError(t, err)

		after, err := store.Write(ctx, Env{"upgrade_available": "1", "bootcount": fmt.Sprint(i + 1)})
		require.NoError(t, err)
		require.NotEqual(t, before.Current, after.Current)

		require.NoError(t, store.WriteCopy(after.Current, []byte("garbage")))

		got, err := store.Read(ctx)
		require.NoError(t, err)
		require.ErrorIs(t, got.Corruption, ErrOneCopyCorrupt)

		if diff := cmp.Diff(before.Env, got.Env); diff != "" {
			t.Fatalf("write %d: environment mismatch after corruption (-want +got):\n%s", i, diff)
		}

		// Repair for the next round by writing the same variables again.
		_, err = store.Write(ctx, before.Env)
		require.NoError(t, err)
	}
}

// TestPowerLossDuringWrite interrupts a write after every possible byte and
// checks that the environment is always either the old or the new one.
func TestPowerLossDuringWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	oldEnv := Env{"upgrade_available": "0", "bootcount": "0", "mender_boot_part": "2"}
	delta := Env{"upgrade_available": "1", "mender_boot_part": "3"}
	newEnv := oldEnv.Merge(delta)

	for cut := int64(0); cut <= regionSize; cut++ {
		store, dev := newTestStore(t)

		_, err := store.Write(ctx, oldEnv)
		require.NoError(t, err)
		_, err = store.Write(ctx, oldEnv)
		require.NoError(t, err)

		dev.CutPowerAfter(cut)
		_, werr := store.Write(ctx, delta)
		dev.CutPowerAfter(-1)

		snap, err := store.Read(ctx)
		require.NoError(t, err)

		require.NotErrorIs(t, snap.Corruption, ErrBothCopiesCorrupt, "cut after %d bytes", cut)

		if werr == nil {
			require.Equal(t, newEnv, snap.Env, "cut after %d bytes", cut)

			continue
		}

		require.ErrorIs(t, werr, blockdev.ErrPowerLoss)

		// The trailing padding is identical in both serializations, so a cut
		// inside it may already have produced a complete new copy.
		if !cmp.Equal(oldEnv, snap.Env) {
			require.Equal(t, newEnv, snap.Env, "cut after %d bytes", cut)
		}

		if cut < HeaderSize {
			require.Equal(t, oldEnv, snap.Env, "cut after %d bytes", cut)
		}
	}
}

// TestMissingRegions reports an unsupported bootloader.
func TestMissingRegions(t *testing.T) {
	t.Parallel()

	_, err := NewStore([]Region{{Device: "env", Size: 16}}, nil)
	require.ErrorIs(t, err, ErrBootloaderUnsupported)

	_, err = NewStore([]Region{{Device: "env", Size: 16}, {Device: "env", Offset: 16, Size: 32}}, nil)
	require.ErrorIs(t, err, errRegionSizes)

	store, err := NewStore([]Region{
		{Device: "missing", Size: 16},
		{Device: "missing", Offset: 16, Size: 16},
	}, nil, WithOpener(blockdev.MemOpener(nil)))
	require.NoError(t, err)

	_, err = store.Read(context.Background())
	require.ErrorIs(t, err, ErrBootloaderUnsupported)

	_, err = store.Write(context.Background(), Env{"bootcount": "1"})
	require.ErrorIs(t, err, ErrBootloaderUnsupported)

	// A region past the end of the device is just as unusable.
	dev := blockdev.NewMemDevice(16)
	store, err = NewStore([]Region{
		{Device: "env", Size: 16},
		{Device: "env", Offset: 16, Size: 16},
	}, nil, WithOpener(blockdev.MemOpener(map[string]*blockdev.MemDevice{"env": dev})))
	require.NoError(t, err)

	_, err = store.Read(context.Background())
	require.ErrorIs(t, err, ErrBootloaderUnsupported)
}

// TestReadsUseReadOnlyOpener checks that reads never open a device for
// writing, so printenv works on write-protected regions.
func TestReadsUseReadOnlyOpener(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dev := blockdev.NewMemDevice(4 * regionSize)
	mem := blockdev.MemOpener(map[string]*blockdev.MemDevice{"env": dev})

	var reads, writes int

	store, err := NewStore([]Region{
		{Device: "env", Offset: regionSize, Size: regionSize},
		{Device: "env", Offset: 2 * regionSize, Size: regionSize},
	}, testDefaults,
		WithOpener(func(path string) (blockdev.Device, error) {
			writes++

			return mem(path)
		}),
		WithReadOpener(func(path string) (blockdev.Device, error) {
			reads++

			return mem(path)
		}),
	)
	require.NoError(t, err)

	_, err = store.Read(ctx)
	require.NoError(t, err)
	_, err = store.ReadImage()
	require.NoError(t, err)
	require.Equal(t, 4, reads)
	require.Zero(t, writes)

	_, err = store.Write(ctx, Env{"bootcount": "1"})
	require.NoError(t, err)
	require.Equal(t, 6, reads)
	require.Equal(t, 1, writes, "only the stale copy is opened for writing")
}
