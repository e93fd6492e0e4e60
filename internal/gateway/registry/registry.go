package registry

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"nuha.dev/gpsgate/internal/model"
)

const (
	DEVICE_ONLINE  string = "device_online"
	DEVICE_OFFLINE string = "device_offline"
	DEVICE_EXPIRED string = "device_expired"
)

// retry interval when the expiry worker cannot take another message
var expiryRetryDelay = time.Second

// Subscriber receives live updates. The registry calls these synchronously
// while holding its lock, implementations must not block.
type Subscriber interface {
	OnUpdateDevice(d *model.Device)
	OnUpdatePosition(p *model.Position)
	OnUpdateEvent(e *model.Event, p *model.Position)
}

// CommandEncoder frames a structured command for one protocol.
type CommandEncoder interface {
	Encode(cmd *model.Command) ([]byte, error)
}

// Binding is the live attachment of a device to its current connection,
// handed over by the protocol session at identification time.
type Binding struct {
	Protocol   string
	Writer     io.WriteCloser
	RemoteAddr string
	Encoder    CommandEncoder
	Supported  []string
	Textual    bool //text codec negotiated, raw custom payloads go out as text
}

// StatusStore persists device status transitions. Failures are logged and
// never propagate into the decode path.
type StatusStore interface {
	UpdateStatus(d *model.Device)
}

// Permissions answers which users may observe a device.
type Permissions interface {
	UserIDs(deviceID uint64) []uint64
}

type Config struct {
	DeviceTimeout time.Duration //liveness window, default 600s
}

type active struct {
	device   model.Device
	binding  Binding
	timer    *time.Timer
	deadline time.Time
}

// Registry owns the identity->connection and identity->last-position maps
// and the per-device liveness state machine. Expiry timers never mutate
// state directly: they post the device id to a single worker goroutine.
type Registry struct {
	log    log.Logger
	config Config
	status StatusStore
	perms  Permissions
	idgen  func() string

	mu          sync.RWMutex
	devices     map[uint64]*active
	positions   map[uint64]*model.Position
	subscribers map[uint64]map[Subscriber]bool //userID -> set

	expirech chan uint64
}

func New(status StatusStore, perms Permissions, config Config) *Registry {
	if config.DeviceTimeout == 0 {
		config.DeviceTimeout = 600 * time.Second
	}
	r := &Registry{config: config, status: status, perms: perms}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	r.idgen = uuid.NewString
	r.devices = make(map[uint64]*active)
	r.positions = make(map[uint64]*model.Position)
	r.subscribers = make(map[uint64]map[Subscriber]bool)
	r.expirech = make(chan uint64, 256)
	return r
}

// SetIDGenerator replaces the event id source, e.g. with a monoton sequence.
func (r *Registry) SetIDGenerator(gen func() string) {
	r.idgen = gen
}

func (r *Registry) Run() {
	go r.expiryWorker()
}

func (r *Registry) expiryWorker() {
	for id := range r.expirech {
		r.checkExpiry(id)
	}
}

func (r *Registry) checkExpiry(deviceID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.devices[deviceID]
	if !ok || a.deadline.IsZero() || time.Now().Before(a.deadline) {
		return
	}
	switch a.device.Status {
	case model.StatusOnline, model.StatusMoving, model.StatusStopped:
		r.log.Info().Str("event", DEVICE_EXPIRED).Uint64("device_id", deviceID).Msg("no activity within timeout window")
		r.setStatus(a, model.StatusUnknown)
	}
}

// Bind attaches a connection as the device's active one, replacing any
// previous binding, and marks the device online.
func (r *Registry) Bind(deviceID uint64, name string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.devices[deviceID]
	if !ok {
		a = &active{device: model.Device{ID: deviceID, Name: name, Status: model.StatusUnknown}}
		r.devices[deviceID] = a
	}
	a.binding = b
	r.log.Info().Str("event", DEVICE_ONLINE).Uint64("device_id", deviceID).Str("protocol", b.Protocol).Str("remote", b.RemoteAddr).Msg("device connection bound")
	r.setStatus(a, model.StatusOnline)
}

// Unbind detaches the connection if it is still the device's active one and
// demotes the device to offline. A stale unbind from an already replaced
// connection is a no-op.
func (r *Registry) Unbind(deviceID uint64, w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.devices[deviceID]
	if !ok || a.binding.Writer != w {
		return
	}
	a.binding = Binding{}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.deadline = time.Time{}
	if a.device.Status != model.StatusOffline {
		r.log.Info().Str("event", DEVICE_OFFLINE).Uint64("device_id", deviceID).Msg("device connection closed")
		r.setStatus(a, model.StatusOffline)
	}
}

// Seen refreshes liveness on any inbound activity of an identified device.
// Liveness is orthogonal to motion: the expiry window is always re-armed,
// but moving/stopped set by the motion detector is left in place so a
// stream of fixes does not churn the status on every frame.
func (r *Registry) Seen(deviceID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.devices[deviceID]
	if !ok {
		return
	}
	r.armTimer(a)
	switch a.device.Status {
	case model.StatusMoving, model.StatusStopped:
	default:
		r.setStatusNoTimer(a, model.StatusOnline)
	}
}

// SetMotion flips the device between moving and stopped. Driven by the
// motion detector stage; deliberately leaves the expiry timer alone.
func (r *Registry) SetMotion(deviceID uint64, moving bool, p *model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.devices[deviceID]
	if !ok {
		return
	}
	want := model.StatusStopped
	eventType := model.EventDeviceStopped
	if moving {
		want = model.StatusMoving
		eventType = model.EventDeviceMoving
	}
	if a.device.Status == want {
		return
	}
	r.setStatusNoTimer(a, want)
	e := model.NewEvent(eventType, deviceID)
	if p != nil {
		e.PositionID = p.ID
	}
	r.raiseEventLocked(e, p)
}

// setStatus runs under the exclusive lock. Online (re)arms the expiry timer,
// every other status cancels it.
func (r *Registry) setStatus(a *active, status string) {
	if status == model.StatusOnline {
		r.armTimer(a)
	} else {
		if a.timer != nil {
			a.timer.Stop()
			a.timer = nil
		}
		a.deadline = time.Time{}
	}
	r.setStatusNoTimer(a, status)
}

// armTimer pushes the liveness deadline out and (re)schedules the expiry
// callback. Caller holds the exclusive lock.
func (r *Registry) armTimer(a *active) {
	if a.timer != nil {
		a.timer.Stop()
	}
	deviceID := a.device.ID
	a.deadline = time.Now().Add(r.config.DeviceTimeout)
	a.timer = time.AfterFunc(r.config.DeviceTimeout, func() {
		r.postExpiry(deviceID)
	})
}

// postExpiry hands the device id to the expiry worker. When the worker is
// backlogged the message is retried later instead of being lost, otherwise
// a device whose timer already fired would stay online forever.
func (r *Registry) postExpiry(deviceID uint64) {
	select {
	case r.expirech <- deviceID:
	default:
		time.AfterFunc(expiryRetryDelay, func() {
			r.postExpiry(deviceID)
		})
	}
}

func (r *Registry) setStatusNoTimer(a *active, status string) {
	prev := a.device.Status
	a.device.Status = status
	a.device.LastUpdate = time.Now().UTC()
	if prev == status {
		return
	}
	if r.status != nil {
		r.status.UpdateStatus(&a.device)
	}
	dev := a.device
	r.fanoutDevice(&dev)
	var eventType string
	switch status {
	case model.StatusOnline:
		eventType = model.EventDeviceOnline
	case model.StatusOffline:
		eventType = model.EventDeviceOffline
	case model.StatusUnknown:
		if prev == "" {
			return //first sighting, no transition to report
		}
		eventType = model.EventDeviceUnknown
	default:
		return //moving/stopped raise their own events with a position
	}
	r.raiseEventLocked(model.NewEvent(eventType, a.device.ID), nil)
}

// UpdatePosition replaces the cached last-known position and fans it out.
// Ownership of p passes to the registry cache here.
func (r *Registry) UpdatePosition(p *model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.DeviceID] = p
	if a, ok := r.devices[p.DeviceID]; ok {
		a.device.PositionID = p.ID
	}
	for sub := range r.recipients(p.DeviceID) {
		sub.OnUpdatePosition(p)
	}
}

// SetAddress completes a late reverse-geocode result on the cached
// last-known position. The cached record is replaced, not mutated, so
// readers holding the old pointer stay consistent. A result for a position
// the cache has already moved past is dropped.
func (r *Registry) SetAddress(deviceID, positionID uint64, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[deviceID]
	if !ok || p.ID != positionID || p.Address != "" {
		return
	}
	c := p.Clone()
	c.Address = address
	r.positions[deviceID] = c
}

// LastPosition returns the cached last-known position, nil when none.
func (r *Registry) LastPosition(deviceID uint64) *model.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.positions[deviceID]
}

// Device returns a snapshot of the tracked device state.
func (r *Registry) Device(deviceID uint64) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.devices[deviceID]
	if !ok {
		return model.Device{}, false
	}
	return a.device, true
}

// RaiseEvent fans an event out to its recipient users.
func (r *Registry) RaiseEvent(e *model.Event, p *model.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raiseEventLocked(e, p)
}

func (r *Registry) raiseEventLocked(e *model.Event, p *model.Position) {
	if e.ID == "" {
		e.ID = r.idgen()
	}
	for sub := range r.recipients(e.DeviceID) {
		sub.OnUpdateEvent(e, p)
	}
}

// recipients collects the distinct subscribers of every user with
// permission on the device. Caller holds at least the read lock.
func (r *Registry) recipients(deviceID uint64) map[Subscriber]bool {
	out := make(map[Subscriber]bool)
	if r.perms == nil {
		return out
	}
	for _, userID := range r.perms.UserIDs(deviceID) {
		for sub := range r.subscribers[userID] {
			out[sub] = true
		}
	}
	return out
}

func (r *Registry) fanoutDevice(d *model.Device) {
	for sub := range r.recipients(d.ID) {
		sub.OnUpdateDevice(d)
	}
}

func (r *Registry) Subscribe(userID uint64, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[userID]
	if !ok {
		set = make(map[Subscriber]bool)
		r.subscribers[userID] = set
	}
	set[sub] = true
}

func (r *Registry) Unsubscribe(userID uint64, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscribers[userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subscribers, userID)
		}
	}
}
