package dyson

import (
	"fmt"
	"time"
)

// MessageType is the kind of notification delivered to listeners
type MessageType int

const (
	// MessageTypeState follows CURRENT-STATE and STATE-CHANGE messages
	MessageTypeState MessageType = iota
	// MessageTypeEnvironmental follows sensor data messages
	MessageTypeEnvironmental
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeState:
		return "state"
	case MessageTypeEnvironmental:
		return "environmental"
	default:
		return "unknown"
	}
}

// WaterHardness is the device's water hardness setting as sent on the wire
type WaterHardness string

const (
	WaterHardnessSoft   WaterHardness = "2025"
	WaterHardnessMedium WaterHardness = "1350"
	WaterHardnessHard   WaterHardness = "0675"
)

// Valid reports whether h is one of the three supported tiers
func (h WaterHardness) Valid() bool {
	switch h {
	case WaterHardnessSoft, WaterHardnessMedium, WaterHardnessHard:
		return true
	default:
		return false
	}
}

// Humidity target range accepted by the device
const (
	HumidityTargetMin = 30
	HumidityTargetMax = 70
)

// Wire message kinds
const (
	msgCurrentState       = "CURRENT-STATE"
	msgStateChange        = "STATE-CHANGE"
	msgEnvironmental      = "ENVIRONMENTAL-CURRENT-SENSOR-DATA"
	msgStateSet           = "STATE-SET"
	msgRequestState       = "REQUEST-CURRENT-STATE"
	msgRequestEnvironment = "REQUEST-PRODUCT-ENVIRONMENT-CURRENT-SENSOR-DATA"
)

// Product state field codes
const (
	fieldPower                  = "fpwr"
	fieldSpeed                  = "fnsp"
	fieldAutoMode               = "auto"
	fieldOscillation            = "oson"
	fieldHumidification         = "hume"
	fieldHumidificationAutoMode = "haut"
	fieldHumidityTarget         = "humt"
	fieldWaterHardness          = "wath"

	fieldEnvHumidity    = "hact"
	fieldEnvTemperature = "tact"
)

const (
	valueOn        = "ON"
	valueOff       = "OFF"
	valueAuto      = "AUTO"
	valueHumidify  = "HUMD"
	modeReasonLApp = "LAPP"

	// Humidify+Cool units report oscillation as OION/OIOF
	valueOscillationOn = "OION"
)

// State is a snapshot of the appliance's settings
type State struct {
	IsOn                   bool          `json:"is_on"`
	Speed                  int           `json:"speed"` // 0 when the fan speed is AUTO
	AutoMode               bool          `json:"auto_mode"`
	Oscillation            bool          `json:"oscillation"`
	Humidification         bool          `json:"humidification"`
	HumidificationAutoMode bool          `json:"humidification_auto_mode"`
	HumidityTarget         int           `json:"humidity_target"`
	WaterHardness          WaterHardness `json:"water_hardness"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Environment holds the latest sensor readings. Zero values mean the
// sensor reported OFF or INIT.
type Environment struct {
	Humidity    int       `json:"humidity"`
	Temperature float64   `json:"temperature"` // kelvin
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusTopic returns the topic the device publishes its state on
func StatusTopic(productType, serial string) string {
	return fmt.Sprintf("%s/%s/status/current", productType, serial)
}

// CommandTopic returns the topic the device accepts commands on
func CommandTopic(productType, serial string) string {
	return fmt.Sprintf("%s/%s/command", productType, serial)
}
