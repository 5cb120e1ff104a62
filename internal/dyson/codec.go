package dyson

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// inboundMessage is a status payload published by the device
type inboundMessage struct {
	Msg          string                     `json:"msg"`
	Time         string                     `json:"time"`
	ProductState map[string]json.RawMessage `json:"product-state"`
	Data         map[string]json.RawMessage `json:"data"`
}

// outboundMessage is a request or command published to the device
type outboundMessage struct {
	Msg        string            `json:"msg"`
	Time       string            `json:"time"`
	ModeReason string            `json:"mode-reason,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// decodeMessage parses a status payload and flattens its fields. STATE-CHANGE
// values arrive as [old, new] pairs; only the new value is kept.
func decodeMessage(payload []byte) (string, map[string]string, error) {
	var msg inboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if msg.Msg == "" {
		return "", nil, fmt.Errorf("%w: missing msg", ErrMalformedMessage)
	}

	raw := msg.ProductState
	if msg.Msg == msgEnvironmental {
		raw = msg.Data
	}

	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		v, err := fieldValue(value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: field %s: %w", ErrMalformedMessage, key, err)
		}
		fields[key] = v
	}

	return msg.Msg, fields, nil
}

func fieldValue(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return "", err
	}
	if len(pair) == 0 {
		return "", fmt.Errorf("empty value list")
	}
	return pair[len(pair)-1], nil
}

// applyProductState returns base with fields applied. Unknown field codes
// are ignored and flags are on only for their exact on value. Only a bad
// humidity target fails, and then base is returned untouched so a snapshot
// is never half-updated.
func applyProductState(base State, fields map[string]string) (State, error) {
	next := base

	for key, value := range fields {
		switch key {
		case fieldPower:
			next.IsOn = value == valueOn
		case fieldSpeed:
			next.Speed = parseSpeed(value, base.Speed)
		case fieldAutoMode:
			next.AutoMode = value == valueOn
		case fieldOscillation:
			next.Oscillation = value == valueOn || value == valueOscillationOn
		case fieldHumidification:
			next.Humidification = value == valueHumidify
		case fieldHumidificationAutoMode:
			next.HumidificationAutoMode = value == valueOn
		case fieldHumidityTarget:
			target, err := strconv.Atoi(value)
			if err != nil {
				return base, fmt.Errorf("%w: field %s=%q", ErrMalformedMessage, key, value)
			}
			next.HumidityTarget = target
		case fieldWaterHardness:
			next.WaterHardness = WaterHardness(value)
		}
	}

	return next, nil
}

// parseSpeed maps AUTO to 0 and keeps prev for values it cannot read
func parseSpeed(value string, prev int) int {
	if value == valueAuto {
		return 0
	}
	if speed, err := strconv.Atoi(value); err == nil {
		return speed
	}
	return prev
}

// applyEnvironment updates sensor readings. Non-numeric readings such as
// OFF or INIT leave the previous value in place.
func applyEnvironment(base Environment, fields map[string]string) Environment {
	next := base
	if v, err := strconv.Atoi(fields[fieldEnvHumidity]); err == nil {
		next.Humidity = v
	}
	if v, err := strconv.Atoi(fields[fieldEnvTemperature]); err == nil {
		next.Temperature = float64(v) / 10
	}
	return next
}

func encodeRequest(kind string, now time.Time) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Msg:  kind,
		Time: now.UTC().Format(time.RFC3339),
	})
}

func encodeStateSet(data map[string]string, now time.Time) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Msg:        msgStateSet,
		Time:       now.UTC().Format(time.RFC3339),
		ModeReason: modeReasonLApp,
		Data:       data,
	})
}
