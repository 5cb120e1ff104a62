package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{Fields: []Field{
	{Name: "humidity", Type: FieldInt, Required: true},
	{Name: "mode", Type: FieldString, Enum: []string{"auto", "normal"}},
}}

func TestSchemaValidate_NormalisesNumbers(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
	}{
		{"int", 45},
		{"int64", int64(45)},
		{"float64 from json", float64(45)},
		{"json number", json.Number("45")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := testSchema.Validate(map[string]interface{}{"humidity": tt.raw})
			require.NoError(t, err)
			assert.Equal(t, 45, out["humidity"])
		})
	}
}

func TestSchemaValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
	}{
		{"missing required", map[string]interface{}{"mode": "auto"}},
		{"null required", map[string]interface{}{"humidity": nil}},
		{"unknown field", map[string]interface{}{"humidity": 40, "speed": 3}},
		{"fractional int", map[string]interface{}{"humidity": 40.5}},
		{"string for int", map[string]interface{}{"humidity": "40"}},
		{"int for string", map[string]interface{}{"humidity": 40, "mode": 1}},
		{"outside enum", map[string]interface{}{"humidity": 40, "mode": "turbo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := testSchema.Validate(tt.data)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Nil(t, out)
		})
	}
}

func TestSchemaValidate_OptionalFieldOmitted(t *testing.T) {
	out, err := testSchema.Validate(map[string]interface{}{"humidity": 30})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"humidity": 30}, out)
}

func TestSchemaValidate_EmptySchema(t *testing.T) {
	out, err := Schema{}.Validate(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = Schema{}.Validate(map[string]interface{}{"anything": true})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Living Room":        "living_room",
		"  Bedroom  ":        "bedroom",
		"Kid's Room #2":      "kid_s_room_2",
		"Office--Humidifier": "office_humidifier",
		"NK6-EU-MHA0000A":    "nk6_eu_mha0000a",
		"!!!":                "",
	}

	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestOnOff(t *testing.T) {
	assert.Equal(t, StateOn, OnOff(true))
	assert.Equal(t, StateOff, OnOff(false))
	assert.True(t, State{State: StateOn}.IsOn())
	assert.False(t, State{State: StateOff}.IsOn())
}
