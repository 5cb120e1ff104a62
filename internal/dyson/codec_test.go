package dyson

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const currentStatePayload = `{
  "msg": "CURRENT-STATE",
  "time": "2026-10-19T08:00:00.000Z",
  "product-state": {
    "fpwr": "ON",
    "fnsp": "0005",
    "auto": "OFF",
    "oson": "ON",
    "hume": "HUMD",
    "haut": "ON",
    "humt": "0050",
    "wath": "2025",
    "rhtm": "ON"
  }
}`

func TestDecodeMessage_CurrentState(t *testing.T) {
	kind, fields, err := decodeMessage([]byte(currentStatePayload))
	require.NoError(t, err)
	assert.Equal(t, msgCurrentState, kind)
	assert.Equal(t, "HUMD", fields[fieldHumidification])
	assert.Equal(t, "0050", fields[fieldHumidityTarget])
}

func TestDecodeMessage_StateChangeKeepsNewValue(t *testing.T) {
	payload := `{"msg":"STATE-CHANGE","product-state":{"haut":["ON","OFF"],"humt":["0050","0030"]}}`

	kind, fields, err := decodeMessage([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, msgStateChange, kind)
	assert.Equal(t, "OFF", fields[fieldHumidificationAutoMode])
	assert.Equal(t, "0030", fields[fieldHumidityTarget])
}

func TestDecodeMessage_Environmental(t *testing.T) {
	payload := `{"msg":"ENVIRONMENTAL-CURRENT-SENSOR-DATA","data":{"hact":"0045","tact":"2950","pm25":"0003"}}`

	kind, fields, err := decodeMessage([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, msgEnvironmental, kind)

	env := applyEnvironment(Environment{}, fields)
	assert.Equal(t, 45, env.Humidity)
	assert.InDelta(t, 295.0, env.Temperature, 0.001)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"missing msg", `{"product-state":{}}`},
		{"bad field type", `{"msg":"CURRENT-STATE","product-state":{"fpwr":42}}`},
		{"empty change", `{"msg":"STATE-CHANGE","product-state":{"fpwr":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeMessage([]byte(tt.payload))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestApplyProductState(t *testing.T) {
	_, fields, err := decodeMessage([]byte(currentStatePayload))
	require.NoError(t, err)

	state, err := applyProductState(State{}, fields)
	require.NoError(t, err)

	assert.Equal(t, State{
		IsOn:                   true,
		Speed:                  5,
		AutoMode:               false,
		Oscillation:            true,
		Humidification:         true,
		HumidificationAutoMode: true,
		HumidityTarget:         50,
		WaterHardness:          WaterHardnessSoft,
	}, state)
}

func TestApplyProductState_AutoSpeed(t *testing.T) {
	state, err := applyProductState(State{Speed: 7}, map[string]string{fieldSpeed: "AUTO", fieldAutoMode: "ON"})
	require.NoError(t, err)
	assert.Equal(t, 0, state.Speed)
	assert.True(t, state.AutoMode)
}

func TestApplyProductState_ErrorLeavesBaseUntouched(t *testing.T) {
	base := State{IsOn: true, HumidityTarget: 50}

	state, err := applyProductState(base, map[string]string{
		fieldPower:          "OFF",
		fieldHumidityTarget: "00X0",
	})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Equal(t, base, state)
}

func TestApplyProductState_HumidifyCoolOscillation(t *testing.T) {
	payload := `{"msg":"CURRENT-STATE","product-state":{"fpwr":"ON","hume":"HUMD","haut":"ON","humt":"0050","oson":"OION","wath":"2025"}}`
	_, fields, err := decodeMessage([]byte(payload))
	require.NoError(t, err)

	state, err := applyProductState(State{}, fields)
	require.NoError(t, err)
	assert.True(t, state.IsOn)
	assert.True(t, state.Humidification)
	assert.True(t, state.HumidificationAutoMode)
	assert.True(t, state.Oscillation)
	assert.Equal(t, 50, state.HumidityTarget)

	state, err = applyProductState(state, map[string]string{fieldOscillation: "OIOF"})
	require.NoError(t, err)
	assert.False(t, state.Oscillation)
}

func TestApplyProductState_UnexpectedFlagValues(t *testing.T) {
	base := State{IsOn: true, Speed: 4, Humidification: true, HumidityTarget: 45}

	state, err := applyProductState(base, map[string]string{
		fieldPower:          "MAYBE",
		fieldSpeed:          "FAST",
		fieldHumidification: "OFF",
		fieldHumidityTarget: "0060",
	})
	require.NoError(t, err)
	assert.False(t, state.IsOn)
	assert.Equal(t, 4, state.Speed)
	assert.False(t, state.Humidification)
	assert.Equal(t, 60, state.HumidityTarget)
}

func TestApplyEnvironment_SkipsNonNumeric(t *testing.T) {
	base := Environment{Humidity: 40, Temperature: 293.1}
	env := applyEnvironment(base, map[string]string{fieldEnvHumidity: "INIT", fieldEnvTemperature: "OFF"})
	assert.Equal(t, base, env)
}

func TestEncodeStateSet(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	payload, err := encodeStateSet(map[string]string{fieldHumidityTarget: "0030"}, now)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "STATE-SET", msg["msg"])
	assert.Equal(t, "LAPP", msg["mode-reason"])
	assert.Equal(t, "2026-10-19T08:00:00Z", msg["time"])
	assert.Equal(t, map[string]interface{}{"humt": "0030"}, msg["data"])
}

func TestEncodeRequest_OmitsData(t *testing.T) {
	payload, err := encodeRequest(msgRequestState, time.Unix(0, 0))
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "data")
	assert.NotContains(t, string(payload), "mode-reason")
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "358/NK6-EU-MHA0000A/status/current", StatusTopic("358", "NK6-EU-MHA0000A"))
	assert.Equal(t, "358/NK6-EU-MHA0000A/command", CommandTopic("358", "NK6-EU-MHA0000A"))
}
