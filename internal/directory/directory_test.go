package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"nuha.dev/gpsgate/internal/model"
)

type mockFetcher struct {
	calls int
	snap  *Snapshot
	err   error
}

func (m *mockFetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	m.calls++
	return m.snap, m.err
}

func snapshotWith(devices ...*model.Device) *Snapshot {
	return &Snapshot{Devices: devices, Permissions: map[uint64][]uint64{1: {10, 11}}}
}

func TestLookupKnown(t *testing.T) {
	f := &mockFetcher{snap: snapshotWith(&model.Device{ID: 1, UniqueID: "123456789012345"})}
	d := New(f, Config{})
	dev := d.DeviceByUniqueID("123456789012345")
	if dev == nil || dev.ID != 1 {
		t.Fatalf("lookup failed: %+v", dev)
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
	// second hit served from cache
	d.DeviceByUniqueID("123456789012345")
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want cached", f.calls)
	}
}

func TestMissForcesSingleRefresh(t *testing.T) {
	f := &mockFetcher{snap: snapshotWith()}
	d := New(f, Config{ForceDelay: time.Hour})
	if d.DeviceByUniqueID("nope") != nil {
		t.Fatal("unknown id must resolve to nil")
	}
	// repeated misses within ForceDelay must not hammer the store
	d.DeviceByUniqueID("nope")
	d.DeviceByUniqueID("nope")
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
}

func TestFetchErrorFailsSafe(t *testing.T) {
	f := &mockFetcher{err: errors.New("db down")}
	d := New(f, Config{})
	if d.DeviceByUniqueID("123") != nil {
		t.Error("fetch error must behave as unknown device")
	}
	if d.DeviceByID(9) != nil {
		t.Error("fetch error must behave as unknown device")
	}
}

func TestPermissions(t *testing.T) {
	f := &mockFetcher{snap: snapshotWith(&model.Device{ID: 1, UniqueID: "a"})}
	d := New(f, Config{})
	d.DeviceByUniqueID("a")
	users := d.UserIDs(1)
	if len(users) != 2 || users[0] != 10 {
		t.Errorf("UserIDs = %v", users)
	}
	if len(d.UserIDs(2)) != 0 {
		t.Error("no permissions expected for unknown device")
	}
}
