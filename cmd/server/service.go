package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/stephens/dyson-bridge/internal/config"
	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
	"github.com/stephens/dyson-bridge/internal/humidifier"
	"github.com/stephens/dyson-bridge/internal/log"
	"github.com/stephens/dyson-bridge/internal/metrics"
	"github.com/stephens/dyson-bridge/internal/storage"
)

var errNoCredential = errors.New("no credential configured or stored")

// Service orchestrates the bridge components
type Service struct {
	cfg      *config.Config
	db       *storage.DB
	encKey   *storage.EncryptionKey
	registry *entity.Registry
	recorder *metrics.Recorder
	gatherer prometheus.Gatherer

	mu          sync.RWMutex
	devices     []*dyson.Device
	humidifiers []*humidifier.Humidifier
}

// GetDB returns the database
func (s *Service) GetDB() *storage.DB {
	return s.db
}

// GetEncryptionKey returns the encryption key
func (s *Service) GetEncryptionKey() *storage.EncryptionKey {
	return s.encKey
}

// GetRegistry returns the entity registry
func (s *Service) GetRegistry() *entity.Registry {
	return s.registry
}

// GetDevices returns the started devices
func (s *Service) GetDevices() []*dyson.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dyson.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// GetGatherer returns the metrics registry
func (s *Service) GetGatherer() prometheus.Gatherer {
	return s.gatherer
}

// subscribe wires storage and metrics to registry publications
func (s *Service) subscribe() {
	s.registry.Subscribe(s.recorder.ObserveState)
	s.registry.Subscribe(s.persistState)
	s.registry.SubscribeCalls(s.recorder.ObserveCall)
	s.registry.SubscribeCalls(s.logCall)
}

// resolveCredential prefers the config file, then the stored credential
func (s *Service) resolveCredential(dc config.DeviceConfig) (string, error) {
	if dc.Credential != "" {
		return dc.Credential, nil
	}

	stored, err := s.db.GetDeviceCredential(dc.Serial)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", fmt.Errorf("%w for %s", errNoCredential, dc.Serial)
	}

	credential, err := s.encKey.DecryptString(stored.CredentialEncrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt stored credential for %s: %w", dc.Serial, err)
	}
	return credential, nil
}

// startDevice connects one appliance and registers its humidifier entity
func (s *Service) startDevice(ctx context.Context, dc config.DeviceConfig) error {
	credential, err := s.resolveCredential(dc)
	if err != nil {
		return err
	}

	transport, err := dyson.DialMQTT(dyson.MQTTOptions{
		Host:           dc.Host,
		Port:           dc.Port,
		Username:       dc.Serial,
		Password:       credential,
		ClientID:       "dyson-bridge-" + dc.Serial,
		ConnectTimeout: time.Duration(s.cfg.MQTT.ConnectTimeout) * time.Second,
		KeepAlive:      time.Duration(s.cfg.MQTT.KeepAlive) * time.Second,
		MaxReconnect:   time.Duration(s.cfg.MQTT.MaxReconnect) * time.Second,
	})
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(float64(s.cfg.CommandRate.PerMinute)/60), s.cfg.CommandRate.Burst)
	dev := dyson.NewDevice(dc.Serial, dc.ProductType, transport, limiter)

	dev.AddMessageListener(func(mt dyson.MessageType) {
		s.recorder.ObserveMessage(dc.Serial, mt)
		if mt == dyson.MessageTypeEnvironmental {
			s.recorder.ObserveEnvironment(dc.Serial, dev.Environment())
		}
	})

	h := humidifier.New(dc.Name, dev, s.registry.Publish)
	if err := s.registry.Register(h); err != nil {
		h.Close()
		transport.Close()
		return err
	}

	if err := dev.Connect(ctx); err != nil {
		s.registry.Unregister(h.EntityID())
		s.recorder.Forget(h.EntityID())
		h.Close()
		transport.Close()
		return err
	}

	s.mu.Lock()
	s.devices = append(s.devices, dev)
	s.humidifiers = append(s.humidifiers, h)
	s.mu.Unlock()

	log.Info("Connected to %s at %s:%d as %s", dc.Serial, dc.Host, dc.Port, h.EntityID())
	s.db.LogEvent(storage.EventSourceSystem, storage.EventTypeConnection, h.EntityID(),
		"Connected to "+dc.Serial, map[string]interface{}{"host": dc.Host, "product_type": dc.ProductType})
	return nil
}

// persistState stores a published state and logs changes to the presented
// on/off, mode or target
func (s *Service) persistState(state entity.State) {
	prev, err := s.db.GetEntityState(state.EntityID)
	if err != nil {
		log.Warn("Failed to read previous state of %s: %v", state.EntityID, err)
	}

	uniqueID := ""
	if entry, err := s.registry.Entry(state.EntityID); err == nil {
		uniqueID = entry.UniqueID
	}

	if err := s.db.SaveEntityState(&storage.EntityState{
		EntityID:   state.EntityID,
		UniqueID:   uniqueID,
		State:      state.State,
		Attributes: state.Attributes,
		UpdatedAt:  state.LastUpdated,
	}); err != nil {
		log.Error("Failed to save state of %s: %v", state.EntityID, err)
		return
	}

	if prev != nil && !stateChanged(prev, state) {
		return
	}

	s.db.LogEvent(storage.EventSourceDevice, storage.EventTypeStateChange, state.EntityID,
		fmt.Sprintf("%s is %s, mode %v, target %v%%", state.EntityID, state.State,
			state.Attributes[humidifier.AttrMode], state.Attributes[humidifier.AttrHumidity]),
		state.Attributes)
}

func stateChanged(prev *storage.EntityState, next entity.State) bool {
	if prev.State != next.State {
		return true
	}
	for _, key := range []string{humidifier.AttrMode, humidifier.AttrHumidity, humidifier.AttrWaterHardness} {
		// stored numbers come back as float64
		if fmt.Sprint(prev.Attributes[key]) != fmt.Sprint(next.Attributes[key]) {
			return true
		}
	}
	return false
}

// logCall records a finished service call in the event log
func (s *Service) logCall(c entity.CallResult) {
	name := c.Domain + "." + c.Service
	if c.Err != nil {
		s.db.LogEvent(storage.EventSourceUser, storage.EventTypeError, c.EntityID,
			fmt.Sprintf("%s failed: %v", name, c.Err), c.Data)
		return
	}
	s.db.LogEvent(storage.EventSourceUser, storage.EventTypeServiceCall, c.EntityID, name, c.Data)
}

// runRefreshLoop asks every device for its state at the poll interval and
// prunes the event log once a day
func (s *Service) runRefreshLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.PollInterval) * time.Second
	log.Info("Starting refresh loop (interval: %v)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prune := time.NewTicker(24 * time.Hour)
	defer prune.Stop()
	s.pruneEvents()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		case <-prune.C:
			s.pruneEvents()
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	for _, dev := range s.GetDevices() {
		if err := dev.RequestCurrentState(ctx); err != nil {
			log.Warn("Failed to refresh %s: %v", dev.Serial(), err)
			s.db.LogEvent(storage.EventSourceDevice, storage.EventTypeError, "",
				fmt.Sprintf("Refresh of %s failed: %v", dev.Serial(), err), nil)
			continue
		}
		if err := dev.RequestEnvironmentalData(ctx); err != nil {
			log.Debug("Failed to request sensor data from %s: %v", dev.Serial(), err)
		}
	}
}

func (s *Service) pruneEvents() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.EventRetentionDays)
	n, err := s.db.PruneEventLogs(cutoff)
	if err != nil {
		log.Warn("Failed to prune event log: %v", err)
		return
	}
	if n > 0 {
		log.Info("Pruned %d event log entries", n)
	}
}

// stop releases entities and device connections
func (s *Service) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.humidifiers {
		h.Close()
	}
	for _, dev := range s.devices {
		if err := dev.Disconnect(); err != nil {
			log.Warn("Failed to disconnect %s: %v", dev.Serial(), err)
		}
	}
	s.humidifiers = nil
	s.devices = nil
}
