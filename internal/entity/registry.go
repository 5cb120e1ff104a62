package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stephens/dyson-bridge/internal/log"
)

// FieldEntityID is the service data field naming the call target
const FieldEntityID = "entity_id"

// Service is a service an entity accepts
type Service struct {
	Domain string `json:"domain"`
	Name   string `json:"service"`
	Schema Schema `json:"schema"`
}

// Entity is a device projection that can be queried and commanded
type Entity interface {
	EntityID() string
	UniqueID() string
	Platform() string
	State() State
	Services() []Service
	// Apply runs a service with data already validated against its schema
	Apply(ctx context.Context, domain, service string, data map[string]interface{}) error
}

// Entry is the registry record correlating an entity with its device
type Entry struct {
	EntityID string `json:"entity_id"`
	UniqueID string `json:"unique_id"`
	Platform string `json:"platform"`
}

// CallResult describes a finished service call
type CallResult struct {
	Domain   string
	Service  string
	EntityID string
	Data     map[string]interface{}
	Err      error
}

type stateSubscriber struct {
	id int
	fn Publisher
}

type callSubscriber struct {
	id int
	fn func(CallResult)
}

// Registry holds entities by id and routes service calls to them
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity

	subMu     sync.Mutex
	stateSubs []stateSubscriber
	callSubs  []callSubscriber
	nextID    int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entities: make(map[string]Entity),
	}
}

// Register adds e. Entity ids must be unique.
func (r *Registry) Register(e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.EntityID()
	if _, ok := r.entities[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
	}
	r.entities[id] = e
	log.Info("Registered %s (%s %s)", id, e.Platform(), e.UniqueID())
	return nil
}

// Unregister removes the entity with the given id
func (r *Registry) Unregister(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, entityID)
}

// Get returns the entity with the given id
func (r *Registry) Get(entityID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entityID]
	return e, ok
}

// Entry returns the registry record for an entity
func (r *Registry) Entry(entityID string) (Entry, error) {
	e, ok := r.Get(entityID)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return Entry{EntityID: e.EntityID(), UniqueID: e.UniqueID(), Platform: e.Platform()}, nil
}

// States returns the current state of every entity sorted by id
func (r *Registry) States() []State {
	r.mu.RLock()
	entities := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	r.mu.RUnlock()

	states := make([]State, 0, len(entities))
	for _, e := range entities {
		states = append(states, e.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	return states
}

// Services returns the declared services keyed by domain then service name
func (r *Registry) Services() map[string]map[string]Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]Schema)
	for _, e := range r.entities {
		for _, svc := range e.Services() {
			if out[svc.Domain] == nil {
				out[svc.Domain] = make(map[string]Schema)
			}
			out[svc.Domain][svc.Name] = svc.Schema
		}
	}
	return out
}

// Call validates data and runs domain.service on the single entity named by
// data["entity_id"]. Device errors from the entity are returned unchanged.
func (r *Registry) Call(ctx context.Context, domain, service string, data map[string]interface{}) error {
	result := CallResult{Domain: domain, Service: service, Data: data}
	result.Err = r.call(ctx, domain, service, data, &result.EntityID)
	r.notifyCall(result)
	return result.Err
}

func (r *Registry) call(ctx context.Context, domain, service string, data map[string]interface{}, target *string) error {
	entityID, err := resolveTarget(data)
	if err != nil {
		return err
	}
	*target = entityID

	e, ok := r.Get(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}

	svc, ok := findService(e, domain, service)
	if !ok {
		return fmt.Errorf("%w: %s.%s on %s", ErrServiceNotFound, domain, service, entityID)
	}

	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		if k != FieldEntityID {
			payload[k] = v
		}
	}

	normalised, err := svc.Schema.Validate(payload)
	if err != nil {
		return err
	}

	log.Debug("Calling %s.%s on %s with %v", domain, service, entityID, normalised)
	return e.Apply(ctx, domain, service, normalised)
}

// resolveTarget accepts entity_id as a string or a one-element list
func resolveTarget(data map[string]interface{}) (string, error) {
	raw, ok := data[FieldEntityID]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: missing %s", ErrAmbiguousTarget, FieldEntityID)
	}

	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: empty %s", ErrAmbiguousTarget, FieldEntityID)
		}
		return v, nil
	case []string:
		if len(v) != 1 {
			return "", fmt.Errorf("%w: got %d targets", ErrAmbiguousTarget, len(v))
		}
		return v[0], nil
	case []interface{}:
		if len(v) != 1 {
			return "", fmt.Errorf("%w: got %d targets", ErrAmbiguousTarget, len(v))
		}
		s, ok := v[0].(string)
		if !ok || s == "" {
			return "", fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, FieldEntityID)
		}
		return s, nil
	default:
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, FieldEntityID)
	}
}

func findService(e Entity, domain, service string) (Service, bool) {
	for _, svc := range e.Services() {
		if svc.Domain == domain && svc.Name == service {
			return svc, true
		}
	}
	return Service{}, false
}

// Publish fans a state out to every subscriber. Entities are constructed
// with this method as their Publisher.
func (r *Registry) Publish(state State) {
	r.subMu.Lock()
	subs := make([]stateSubscriber, len(r.stateSubs))
	copy(subs, r.stateSubs)
	r.subMu.Unlock()

	for _, s := range subs {
		s.fn(state)
	}
}

// Subscribe registers fn for published states and returns a function that
// removes it
func (r *Registry) Subscribe(fn Publisher) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.stateSubs = append(r.stateSubs, stateSubscriber{id: id, fn: fn})
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.stateSubs {
			if s.id == id {
				r.stateSubs = append(r.stateSubs[:i], r.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeCalls registers fn for finished service calls
func (r *Registry) SubscribeCalls(fn func(CallResult)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.callSubs = append(r.callSubs, callSubscriber{id: id, fn: fn})
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.callSubs {
			if s.id == id {
				r.callSubs = append(r.callSubs[:i], r.callSubs[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) notifyCall(result CallResult) {
	r.subMu.Lock()
	subs := make([]callSubscriber, len(r.callSubs))
	copy(subs, r.callSubs)
	r.subMu.Unlock()

	for _, s := range subs {
		s.fn(result)
	}
}
