package humidifier

import (
	"context"
	"sync"
	"time"

	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
	"github.com/stephens/dyson-bridge/internal/log"
)

// Platform is the integration name entities are registered under
const Platform = "dyson_local"

// Modes
const (
	ModeNormal = "normal"
	ModeAuto   = "auto"
)

// Attribute keys
const (
	AttrMode           = "mode"
	AttrHumidity       = "humidity"
	AttrAvailableModes = "available_modes"
	AttrMinHumidity    = "min_humidity"
	AttrMaxHumidity    = "max_humidity"
	AttrWaterHardness  = "water_hardness"
	AttrFriendlyName   = "friendly_name"
)

// Device is the part of the appliance proxy the entity needs
type Device interface {
	Serial() string
	State() dyson.State
	AddMessageListener(fn dyson.Listener) func()

	EnableHumidification(ctx context.Context) error
	DisableHumidification(ctx context.Context) error
	EnableHumidificationAutoMode(ctx context.Context) error
	DisableHumidificationAutoMode(ctx context.Context) error
	SetHumidityTarget(ctx context.Context, target int) error
	SetWaterHardness(ctx context.Context, hardness dyson.WaterHardness) error
}

// Humidifier projects a Dyson Pure Humidify+Cool onto a humidifier entity
type Humidifier struct {
	name     string
	entityID string
	dev      Device
	publish  entity.Publisher
	logger   *log.Logger
	now      func() time.Time

	mu        sync.RWMutex
	presented entity.State

	removeListener func()
	closeOnce      sync.Once
}

// New binds an entity to dev. publish receives the presented state after
// every state notification and may be nil.
func New(name string, dev Device, publish entity.Publisher) *Humidifier {
	if name == "" {
		name = dev.Serial()
	}

	slug := entity.Slugify(name)
	if slug == "" {
		slug = entity.Slugify(dev.Serial())
	}

	h := &Humidifier{
		name:     name,
		entityID: "humidifier." + slug,
		dev:      dev,
		publish:  publish,
		now:      time.Now,
	}
	h.logger = log.WithFields(map[string]interface{}{
		"entity": h.entityID,
		"device": dev.Serial(),
	})

	h.presented = h.project(dev.State())
	h.removeListener = dev.AddMessageListener(h.OnNotification)
	return h
}

// OnNotification recomputes and publishes the presented state for state
// notifications. Other message kinds are ignored.
func (h *Humidifier) OnNotification(mt dyson.MessageType) {
	if mt != dyson.MessageTypeState {
		return
	}

	next := h.project(h.dev.State())

	h.mu.Lock()
	h.presented = next
	h.mu.Unlock()

	h.logger.Debug("Presented %s mode=%v humidity=%v",
		next.State, next.Attributes[AttrMode], next.Attributes[AttrHumidity])

	if h.publish != nil {
		h.publish(next)
	}
}

// project derives the presented state from a device snapshot
func (h *Humidifier) project(s dyson.State) entity.State {
	mode := ModeNormal
	if s.HumidificationAutoMode {
		mode = ModeAuto
	}

	attrs := map[string]interface{}{
		AttrMode:           mode,
		AttrHumidity:       s.HumidityTarget,
		AttrAvailableModes: []string{ModeNormal, ModeAuto},
		AttrMinHumidity:    dyson.HumidityTargetMin,
		AttrMaxHumidity:    dyson.HumidityTargetMax,
		AttrFriendlyName:   h.name,
	}
	if label, ok := hardnessLabel(s.WaterHardness); ok {
		attrs[AttrWaterHardness] = label
	}

	return entity.State{
		EntityID:    h.entityID,
		State:       entity.OnOff(s.IsOn && s.Humidification),
		Attributes:  attrs,
		LastUpdated: h.now(),
	}
}

// IsOn reports whether both power and humidification were on at the last
// notification
func (h *Humidifier) IsOn() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presented.IsOn()
}

// Mode returns "auto" or "normal"
func (h *Humidifier) Mode() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	mode, _ := h.presented.Attributes[AttrMode].(string)
	return mode
}

// TargetHumidity returns the humidity target in percent
func (h *Humidifier) TargetHumidity() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	target, _ := h.presented.Attributes[AttrHumidity].(int)
	return target
}

// Attributes returns a copy of the presented attributes
func (h *Humidifier) Attributes() map[string]interface{} {
	return h.State().Attributes
}

// EntityID returns the entity id, e.g. humidifier.bedroom
func (h *Humidifier) EntityID() string {
	return h.entityID
}

// UniqueID returns the device serial
func (h *Humidifier) UniqueID() string {
	return h.dev.Serial()
}

// Platform returns the integration name
func (h *Humidifier) Platform() string {
	return Platform
}

// State returns the presented state
func (h *Humidifier) State() entity.State {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state := h.presented
	state.Attributes = make(map[string]interface{}, len(h.presented.Attributes))
	for k, v := range h.presented.Attributes {
		state.Attributes[k] = v
	}
	return state
}

// Close stops listening to the device. It is safe to call more than once.
func (h *Humidifier) Close() {
	h.closeOnce.Do(h.removeListener)
}
