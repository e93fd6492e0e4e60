package directory

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/model"
)

// Snapshot is one consistent read of the device table and the user-device
// permission links.
type Snapshot struct {
	Devices     []*model.Device
	Permissions map[uint64][]uint64 //deviceID -> userIDs
}

// Fetcher loads a snapshot from the backing store. A fetch error is an
// infrastructure error: the directory logs it and keeps serving the previous
// snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) (*Snapshot, error)
}

type Config struct {
	RefreshDelay time.Duration //cache considered stale after this
	ForceDelay   time.Duration //minimum interval between miss-triggered refreshes
}

// Directory resolves protocol-level unique ids to stable device identities.
// The whole table is cached under a read/write lock; a lookup miss forces a
// refresh unless one ran within ForceDelay.
type Directory struct {
	fetcher Fetcher
	config  Config
	log     log.Logger

	mu          sync.RWMutex
	byUnique    map[string]*model.Device
	byID        map[uint64]*model.Device
	perms       map[uint64][]uint64
	lastRefresh time.Time
}

func New(fetcher Fetcher, config Config) *Directory {
	if config.RefreshDelay == 0 {
		config.RefreshDelay = 5 * time.Minute
	}
	if config.ForceDelay == 0 {
		config.ForceDelay = 30 * time.Second
	}
	d := &Directory{fetcher: fetcher, config: config}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "directory").Value()
	d.byUnique = make(map[string]*model.Device)
	d.byID = make(map[uint64]*model.Device)
	d.perms = make(map[uint64][]uint64)
	return d
}

func (d *Directory) refresh() {
	snap, err := d.fetcher.Fetch(context.Background())
	if err != nil {
		d.log.Error().Err(err).Msg("directory refresh failed, keeping stale cache")
		d.lastRefresh = time.Now()
		return
	}
	byUnique := make(map[string]*model.Device, len(snap.Devices))
	byID := make(map[uint64]*model.Device, len(snap.Devices))
	for _, dev := range snap.Devices {
		byUnique[dev.UniqueID] = dev
		byID[dev.ID] = dev
	}
	d.byUnique = byUnique
	d.byID = byID
	if snap.Permissions != nil {
		d.perms = snap.Permissions
	} else {
		d.perms = make(map[uint64][]uint64)
	}
	d.lastRefresh = time.Now()
}

// refreshIfNeeded runs under the write lock. miss forces a refresh unless
// one just ran; otherwise only a stale cache is reloaded.
func (d *Directory) refreshIfNeeded(miss bool) {
	since := time.Since(d.lastRefresh)
	if miss && since > d.config.ForceDelay {
		d.refresh()
	} else if since > d.config.RefreshDelay {
		d.refresh()
	}
}

// DeviceByUniqueID resolves a protocol-level unique id, e.g. an IMEI.
// Returns nil for an unknown device, this is not an error.
func (d *Directory) DeviceByUniqueID(uniqueID string) *model.Device {
	d.mu.RLock()
	dev, ok := d.byUnique[uniqueID]
	stale := time.Since(d.lastRefresh) > d.config.RefreshDelay
	d.mu.RUnlock()
	if ok && !stale {
		return dev
	}
	d.mu.Lock()
	d.refreshIfNeeded(!ok)
	dev = d.byUnique[uniqueID]
	d.mu.Unlock()
	return dev
}

func (d *Directory) DeviceByID(id uint64) *model.Device {
	d.mu.RLock()
	dev, ok := d.byID[id]
	stale := time.Since(d.lastRefresh) > d.config.RefreshDelay
	d.mu.RUnlock()
	if ok && !stale {
		return dev
	}
	d.mu.Lock()
	d.refreshIfNeeded(!ok)
	dev = d.byID[id]
	d.mu.Unlock()
	return dev
}

// UserIDs returns the users holding permission on a device. The returned
// slice is owned by the cache, callers must not mutate it.
func (d *Directory) UserIDs(deviceID uint64) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.perms[deviceID]
}
