package dyson

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stephens/dyson-bridge/internal/log"
)

// Listener is notified after the device snapshot has been updated
type Listener func(MessageType)

type listenerEntry struct {
	id int
	fn Listener
}

// Device is the in-process proxy for one Pure Humidify+Cool appliance.
// It owns the state snapshot and all I/O with the appliance.
type Device struct {
	serial      string
	productType string
	transport   Transport
	limiter     *rate.Limiter
	logger      *log.Logger
	now         func() time.Time

	mu        sync.RWMutex
	state     State
	env       Environment
	connected bool

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextID      int
}

// NewDevice creates a proxy. A nil limiter allows one command per second
// with a burst of 5.
func NewDevice(serial, productType string, transport Transport, limiter *rate.Limiter) *Device {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 5)
	}

	return &Device{
		serial:      serial,
		productType: productType,
		transport:   transport,
		limiter:     limiter,
		logger:      log.WithField("device", serial),
		now:         time.Now,
	}
}

// Serial returns the device serial number
func (d *Device) Serial() string {
	return d.serial
}

// ProductType returns the Dyson product code
func (d *Device) ProductType() string {
	return d.productType
}

// Connect subscribes to the status topic and asks the device for its
// current state
func (d *Device) Connect(ctx context.Context) error {
	if err := d.transport.Subscribe(StatusTopic(d.productType, d.serial), d.handleMessage); err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}

	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()

	if err := d.RequestCurrentState(ctx); err != nil {
		return err
	}
	return d.RequestEnvironmentalData(ctx)
}

// Disconnect closes the transport
func (d *Device) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return d.transport.Close()
}

// IsConnected returns true between Connect and Disconnect
func (d *Device) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// State returns a copy of the latest snapshot
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Environment returns the latest sensor readings
func (d *Device) Environment() Environment {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.env
}

// AddMessageListener registers fn and returns a function that removes it.
// Listeners run in registration order on the transport's delivery goroutine.
func (d *Device) AddMessageListener(fn Listener) func() {
	d.listenersMu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners = append(d.listeners, listenerEntry{id: id, fn: fn})
	d.listenersMu.Unlock()

	return func() {
		d.listenersMu.Lock()
		defer d.listenersMu.Unlock()
		for i, l := range d.listeners {
			if l.id == id {
				d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

func (d *Device) notify(mt MessageType) {
	d.listenersMu.Lock()
	listeners := make([]listenerEntry, len(d.listeners))
	copy(listeners, d.listeners)
	d.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(mt)
	}
}

// handleMessage applies a status payload and notifies listeners
func (d *Device) handleMessage(_ string, payload []byte) error {
	kind, fields, err := decodeMessage(payload)
	if err != nil {
		return err
	}

	switch kind {
	case msgCurrentState, msgStateChange:
		d.mu.Lock()
		next, err := applyProductState(d.state, fields)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		next.UpdatedAt = d.now()
		d.state = next
		d.mu.Unlock()

		d.logger.Debug("State %s: on=%t humidification=%t auto=%t target=%d",
			kind, next.IsOn, next.Humidification, next.HumidificationAutoMode, next.HumidityTarget)
		d.notify(MessageTypeState)

	case msgEnvironmental:
		d.mu.Lock()
		d.env = applyEnvironment(d.env, fields)
		d.env.UpdatedAt = d.now()
		d.mu.Unlock()
		d.notify(MessageTypeEnvironmental)

	default:
		d.logger.Debug("Ignoring message %s", kind)
	}

	return nil
}

// RequestCurrentState asks the device to publish CURRENT-STATE
func (d *Device) RequestCurrentState(ctx context.Context) error {
	payload, err := encodeRequest(msgRequestState, d.now())
	if err != nil {
		return err
	}
	return d.publish(ctx, payload)
}

// RequestEnvironmentalData asks the device to publish sensor data
func (d *Device) RequestEnvironmentalData(ctx context.Context) error {
	payload, err := encodeRequest(msgRequestEnvironment, d.now())
	if err != nil {
		return err
	}
	return d.publish(ctx, payload)
}

// EnableHumidification turns the humidifier on
func (d *Device) EnableHumidification(ctx context.Context) error {
	return d.setConfiguration(ctx, map[string]string{fieldHumidification: valueHumidify})
}

// DisableHumidification turns the humidifier off
func (d *Device) DisableHumidification(ctx context.Context) error {
	return d.setConfiguration(ctx, map[string]string{fieldHumidification: valueOff})
}

// EnableHumidificationAutoMode lets the device pick its own humidity target
func (d *Device) EnableHumidificationAutoMode(ctx context.Context) error {
	return d.setConfiguration(ctx, map[string]string{fieldHumidificationAutoMode: valueOn})
}

// DisableHumidificationAutoMode returns to the manual humidity target
func (d *Device) DisableHumidificationAutoMode(ctx context.Context) error {
	return d.setConfiguration(ctx, map[string]string{fieldHumidificationAutoMode: valueOff})
}

// SetHumidityTarget sets the manual humidity target in percent
func (d *Device) SetHumidityTarget(ctx context.Context, target int) error {
	if target < HumidityTargetMin || target > HumidityTargetMax {
		return fmt.Errorf("%w: humidity target %d not in [%d, %d]",
			ErrInvalidValue, target, HumidityTargetMin, HumidityTargetMax)
	}
	return d.setConfiguration(ctx, map[string]string{fieldHumidityTarget: fmt.Sprintf("%04d", target)})
}

// SetWaterHardness sets the water hardness used for scale cleaning cycles
func (d *Device) SetWaterHardness(ctx context.Context, hardness WaterHardness) error {
	if !hardness.Valid() {
		return fmt.Errorf("%w: water hardness %q", ErrInvalidValue, string(hardness))
	}
	return d.setConfiguration(ctx, map[string]string{fieldWaterHardness: string(hardness)})
}

func (d *Device) setConfiguration(ctx context.Context, data map[string]string) error {
	payload, err := encodeStateSet(data, d.now())
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	d.logger.Debug("Sending STATE-SET %v", data)
	return d.publish(ctx, payload)
}

func (d *Device) publish(ctx context.Context, payload []byte) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	return d.transport.Publish(CommandTopic(d.productType, d.serial), payload)
}
