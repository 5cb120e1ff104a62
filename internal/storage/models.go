package storage

import (
	"encoding/json"
	"time"
)

// DeviceCredential stores the encrypted local MQTT credential of one device
type DeviceCredential struct {
	Serial              string    `json:"serial"`
	ProductType         string    `json:"product_type"`
	Host                string    `json:"host,omitempty"`
	CredentialEncrypted []byte    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// EntityState is the last published state of an entity
type EntityState struct {
	ID         int                    `json:"id"`
	EntityID   string                 `json:"entity_id"`
	UniqueID   string                 `json:"unique_id"`
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// EventSource represents the source of an event
type EventSource string

const (
	EventSourceDevice EventSource = "device"
	EventSourceUser   EventSource = "user"
	EventSourceSystem EventSource = "system"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeStateChange EventType = "state_change"
	EventTypeServiceCall EventType = "service_call"
	EventTypeConnection  EventType = "connection"
	EventTypeCredentials EventType = "credentials"
	EventTypeError       EventType = "error"
)

// EventLog represents a log entry
type EventLog struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    EventSource     `json:"source"`
	EventType EventType       `json:"event_type"`
	EntityID  string          `json:"entity_id,omitempty"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// EventLogFilter for querying events
type EventLogFilter struct {
	Source    *EventSource
	EventType *EventType
	EntityID  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
