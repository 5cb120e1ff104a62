package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
)

// Call results
const (
	ResultSuccess = "success"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Recorder exports entity and device state as Prometheus metrics
type Recorder struct {
	humidifierOn       *prometheus.GaugeVec
	targetHumidity     *prometheus.GaugeVec
	autoMode           *prometheus.GaugeVec
	serviceCalls       *prometheus.CounterVec
	deviceMessages     *prometheus.CounterVec
	ambientHumidity    *prometheus.GaugeVec
	ambientTemperature *prometheus.GaugeVec
}

// NewRecorder creates the metrics and registers them with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		humidifierOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "humidifier_on",
				Help: "1 when power and humidification are both on.",
			},
			[]string{"entity_id"},
		),
		targetHumidity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "humidifier_target_humidity_percent",
				Help: "Humidity target in percent.",
			},
			[]string{"entity_id"},
		),
		autoMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "humidifier_auto_mode",
				Help: "1 when the humidifier is in auto mode.",
			},
			[]string{"entity_id"},
		),
		serviceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "service_calls_total",
				Help: "Service calls by domain, service and result.",
			},
			[]string{"domain", "service", "result"},
		),
		deviceMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "device_messages_total",
				Help: "Notifications received from devices by kind.",
			},
			[]string{"serial", "kind"},
		),
		ambientHumidity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "device_ambient_humidity_percent",
				Help: "Relative humidity measured by the device.",
			},
			[]string{"serial"},
		),
		ambientTemperature: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "device_ambient_temperature_kelvin",
				Help: "Temperature measured by the device.",
			},
			[]string{"serial"},
		),
	}
	reg.MustRegister(r.humidifierOn)
	reg.MustRegister(r.targetHumidity)
	reg.MustRegister(r.autoMode)
	reg.MustRegister(r.serviceCalls)
	reg.MustRegister(r.deviceMessages)
	reg.MustRegister(r.ambientHumidity)
	reg.MustRegister(r.ambientTemperature)
	return r
}

// ObserveState records a published entity state
func (r *Recorder) ObserveState(s entity.State) {
	r.humidifierOn.WithLabelValues(s.EntityID).Set(boolGauge(s.IsOn()))

	if target, ok := s.Attributes["humidity"].(int); ok {
		r.targetHumidity.WithLabelValues(s.EntityID).Set(float64(target))
	}
	if mode, ok := s.Attributes["mode"].(string); ok {
		r.autoMode.WithLabelValues(s.EntityID).Set(boolGauge(mode == "auto"))
	}
}

// ObserveCall counts a finished service call
func (r *Recorder) ObserveCall(c entity.CallResult) {
	r.serviceCalls.WithLabelValues(c.Domain, c.Service, callResult(c.Err)).Inc()
}

// ObserveMessage counts a device notification
func (r *Recorder) ObserveMessage(serial string, mt dyson.MessageType) {
	r.deviceMessages.WithLabelValues(serial, mt.String()).Inc()
}

// ObserveEnvironment records sensor readings. Zero readings mean the
// sensor is off or warming up and are skipped.
func (r *Recorder) ObserveEnvironment(serial string, env dyson.Environment) {
	if env.Humidity > 0 {
		r.ambientHumidity.WithLabelValues(serial).Set(float64(env.Humidity))
	}
	if env.Temperature > 0 {
		r.ambientTemperature.WithLabelValues(serial).Set(env.Temperature)
	}
}

// Forget drops the per-entity series of a removed entity
func (r *Recorder) Forget(entityID string) {
	r.humidifierOn.DeleteLabelValues(entityID)
	r.targetHumidity.DeleteLabelValues(entityID)
	r.autoMode.DeleteLabelValues(entityID)
}

func callResult(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, entity.ErrInvalidPayload),
		errors.Is(err, entity.ErrAmbiguousTarget),
		errors.Is(err, entity.ErrEntityNotFound),
		errors.Is(err, entity.ErrServiceNotFound):
		return ResultInvalid
	default:
		return ResultError
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
