package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/stephens/dyson-bridge/internal/config"
	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
	"github.com/stephens/dyson-bridge/internal/log"
	"github.com/stephens/dyson-bridge/internal/storage"
)

// Version information, set via ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// StatusResponse represents the overall system status
type StatusResponse struct {
	Devices          []DeviceStatus `json:"devices"`
	Entities         int            `json:"entities"`
	WebSocketClients int            `json:"websocket_clients"`

	// Offline holds the last stored state of entities that are not
	// registered, e.g. because their device failed to start
	Offline []storage.EntityState `json:"offline,omitempty"`
}

// DeviceStatus represents one appliance connection
type DeviceStatus struct {
	Serial      string             `json:"serial"`
	ProductType string             `json:"product_type"`
	Connected   bool               `json:"connected"`
	LastUpdate  *time.Time         `json:"last_update,omitempty"`
	Environment *dyson.Environment `json:"environment,omitempty"`
}

// StoredDevice is a device with a stored credential. The credential itself
// is never returned.
type StoredDevice struct {
	Serial      string    `json:"serial"`
	ProductType string    `json:"product_type"`
	Host        string    `json:"host,omitempty"`
	Connected   bool      `json:"connected"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CredentialRequest stores the local MQTT credential of a device
type CredentialRequest struct {
	Credential  string `json:"credential"`
	ProductType string `json:"product_type"`
	Host        string `json:"host"`
}

// VersionResponse represents version info
type VersionResponse struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

// handleStatus returns overall system status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.service.GetDevices()

	status := StatusResponse{
		Devices:          make([]DeviceStatus, 0, len(devices)),
		Entities:         len(s.service.GetRegistry().States()),
		WebSocketClients: s.hub.ClientCount(),
	}

	for _, dev := range devices {
		ds := DeviceStatus{
			Serial:      dev.Serial(),
			ProductType: dev.ProductType(),
			Connected:   dev.IsConnected(),
		}
		if updated := dev.State().UpdatedAt; !updated.IsZero() {
			ds.LastUpdate = &updated
		}
		if env := dev.Environment(); !env.UpdatedAt.IsZero() {
			ds.Environment = &env
		}
		status.Devices = append(status.Devices, ds)
	}

	stored, err := s.service.GetDB().GetAllEntityStates()
	if err != nil {
		log.Warn("Failed to read stored entity states: %v", err)
	}
	registry := s.service.GetRegistry()
	for _, st := range stored {
		if _, ok := registry.Get(st.EntityID); !ok {
			status.Offline = append(status.Offline, st)
		}
	}

	writeJSON(w, status)
}

// handleGetStates returns the state of every entity
func (s *Server) handleGetStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.GetRegistry().States())
}

// handleGetState returns the state of one entity
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	e, ok := s.service.GetRegistry().Get(entityID)
	if !ok {
		writeError(w, http.StatusNotFound, "Entity not found: "+entityID)
		return
	}

	writeJSON(w, e.State())
}

// handleGetServices returns the declared services and their schemas
func (s *Server) handleGetServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.service.GetRegistry().Services())
}

// handleCallService runs a service. The body is the service data including
// entity_id.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	data := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	if err := s.service.GetRegistry().Call(r.Context(), vars["domain"], vars["service"], data); err != nil {
		status := statusForError(err)
		if status == http.StatusBadGateway {
			log.Error("Service %s.%s failed: %v", vars["domain"], vars["service"], err)
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, map[string]string{"status": "ok"})
}

// handleGetEntry returns the registry record of an entity
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.GetRegistry().Entry(mux.Vars(r)["entity_id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, entry)
}

// handleSaveCredential encrypts and stores a device's local credential.
// It is used the next time the bridge connects to the device.
func (s *Server) handleSaveCredential(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Credential == "" {
		writeError(w, http.StatusBadRequest, "Credential required")
		return
	}
	if req.ProductType == "" {
		req.ProductType = config.DefaultProductType
	}

	encrypted, err := s.service.GetEncryptionKey().EncryptString(req.Credential)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
		return
	}

	db := s.service.GetDB()
	if err := db.SaveDeviceCredential(serial, req.ProductType, req.Host, encrypted); err != nil {
		log.Error("Failed to save credential for %s: %v", serial, err)
		writeError(w, http.StatusInternalServerError, "Failed to save credential")
		return
	}

	db.LogEvent(storage.EventSourceUser, storage.EventTypeCredentials, "",
		"Credential saved for "+serial, map[string]interface{}{
			"serial":       serial,
			"product_type": req.ProductType,
		})

	writeJSON(w, map[string]string{"status": "ok"})
}

// handleListDevices returns the devices with a stored credential
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	creds, err := s.service.GetDB().ListDeviceCredentials()
	if err != nil {
		log.Error("Failed to list credentials: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}

	connected := make(map[string]bool)
	for _, dev := range s.service.GetDevices() {
		connected[dev.Serial()] = dev.IsConnected()
	}

	devices := make([]StoredDevice, 0, len(creds))
	for _, c := range creds {
		devices = append(devices, StoredDevice{
			Serial:      c.Serial,
			ProductType: c.ProductType,
			Host:        c.Host,
			Connected:   connected[c.Serial],
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	}

	writeJSON(w, devices)
}

// handleDeleteCredential removes a device's stored credential. A running
// connection is not affected.
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	db := s.service.GetDB()

	existing, err := db.GetDeviceCredential(serial)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read credential")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "No credential stored for "+serial)
		return
	}

	if err := db.DeleteDeviceCredential(serial); err != nil {
		log.Error("Failed to delete credential for %s: %v", serial, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}

	db.LogEvent(storage.EventSourceUser, storage.EventTypeCredentials, "",
		"Credential deleted for "+serial, map[string]interface{}{"serial": serial})

	writeJSON(w, map[string]string{"status": "ok"})
}

// handleGetLogs returns event logs
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	db := s.service.GetDB()
	query := r.URL.Query()

	filter := storage.EventLogFilter{
		Limit:    100,
		EntityID: query.Get("entity_id"),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if source := query.Get("source"); source != "" {
		src := storage.EventSource(source)
		filter.Source = &src
	}
	if eventType := query.Get("type"); eventType != "" {
		et := storage.EventType(eventType)
		filter.EventType = &et
	}
	if sinceStr := query.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}
	if untilStr := query.Get("until"); untilStr != "" {
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = &until
	}

	logs, err := db.GetEventLogs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get logs")
		return
	}
	if logs == nil {
		logs = []storage.EventLog{}
	}

	writeJSON(w, logs)
}

// handleVersion returns version information
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, VersionResponse{
		Version:   Version,
		BuildDate: BuildDate,
	})
}

// statusForError maps registry errors to HTTP status codes. Anything else
// came from the device.
func statusForError(err error) int {
	switch {
	case errors.Is(err, entity.ErrInvalidPayload), errors.Is(err, entity.ErrAmbiguousTarget):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrEntityNotFound), errors.Is(err, entity.ErrServiceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
