package humidifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
)

const testSerial = "NK6-EU-MHA0000A"

// mockDevice records command calls. Snapshot reads and listener
// registration are not recorded.
type mockDevice struct {
	mock.Mock
	state     dyson.State
	listeners []dyson.Listener
}

func (m *mockDevice) Serial() string     { return testSerial }
func (m *mockDevice) State() dyson.State { return m.state }

func (m *mockDevice) AddMessageListener(fn dyson.Listener) func() {
	m.listeners = append(m.listeners, fn)
	idx := len(m.listeners) - 1
	return func() { m.listeners[idx] = nil }
}

// update replaces the snapshot and delivers a notification
func (m *mockDevice) update(mt dyson.MessageType, fn func(*dyson.State)) {
	fn(&m.state)
	for _, l := range m.listeners {
		if l != nil {
			l(mt)
		}
	}
}

func (m *mockDevice) EnableHumidification(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockDevice) DisableHumidification(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockDevice) EnableHumidificationAutoMode(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockDevice) DisableHumidificationAutoMode(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockDevice) SetHumidityTarget(ctx context.Context, target int) error {
	return m.Called(target).Error(0)
}

func (m *mockDevice) SetWaterHardness(ctx context.Context, hardness dyson.WaterHardness) error {
	return m.Called(hardness).Error(0)
}

func initialState() dyson.State {
	return dyson.State{
		IsOn:                   true,
		Speed:                  5,
		AutoMode:               false,
		Humidification:         true,
		HumidificationAutoMode: true,
		HumidityTarget:         50,
		WaterHardness:          dyson.WaterHardnessSoft,
	}
}

func newTestHumidifier(t *testing.T) (*Humidifier, *mockDevice, *[]entity.State) {
	t.Helper()
	dev := &mockDevice{state: initialState()}
	var published []entity.State
	h := New("Bedroom", dev, func(s entity.State) { published = append(published, s) })
	t.Cleanup(h.Close)
	return h, dev, &published
}

func TestNew_Identity(t *testing.T) {
	h, dev, published := newTestHumidifier(t)

	assert.Equal(t, "humidifier.bedroom", h.EntityID())
	assert.Equal(t, testSerial, h.UniqueID())
	assert.Equal(t, "dyson_local", h.Platform())
	assert.Len(t, dev.listeners, 1)
	assert.Empty(t, *published, "construction must not publish")
}

func TestNew_NameDefaultsToSerial(t *testing.T) {
	dev := &mockDevice{state: initialState()}
	h := New("", dev, nil)
	defer h.Close()

	assert.Equal(t, "humidifier.nk6_eu_mha0000a", h.EntityID())
	assert.Equal(t, testSerial, h.Attributes()[AttrFriendlyName])
}

func TestNew_PunctuationNameFallsBackToSerial(t *testing.T) {
	dev := &mockDevice{state: initialState()}
	h := New("!!!", dev, nil)
	defer h.Close()

	assert.Equal(t, "humidifier.nk6_eu_mha0000a", h.EntityID())
	assert.Equal(t, "!!!", h.Attributes()[AttrFriendlyName])
}

func TestHumidifier_Scenario(t *testing.T) {
	h, dev, published := newTestHumidifier(t)

	state := h.State()
	assert.Equal(t, entity.StateOn, state.State)
	assert.Equal(t, ModeAuto, state.Attributes[AttrMode])
	assert.Equal(t, 50, state.Attributes[AttrHumidity])
	assert.Equal(t, []string{ModeNormal, ModeAuto}, state.Attributes[AttrAvailableModes])
	assert.Equal(t, 30, state.Attributes[AttrMinHumidity])
	assert.Equal(t, 70, state.Attributes[AttrMaxHumidity])
	assert.Equal(t, HardnessSoft, state.Attributes[AttrWaterHardness])

	dev.update(dyson.MessageTypeState, func(s *dyson.State) {
		s.HumidificationAutoMode = false
		s.HumidityTarget = 30
	})
	assert.True(t, h.IsOn())
	assert.Equal(t, ModeNormal, h.Mode())
	assert.Equal(t, 30, h.TargetHumidity())

	dev.update(dyson.MessageTypeState, func(s *dyson.State) {
		s.Humidification = false
	})
	assert.False(t, h.IsOn())

	require.Len(t, *published, 2)
	assert.Equal(t, entity.StateOn, (*published)[0].State)
	assert.Equal(t, ModeNormal, (*published)[0].Attributes[AttrMode])
	assert.Equal(t, entity.StateOff, (*published)[1].State)
	assert.Equal(t, "humidifier.bedroom", (*published)[1].EntityID)

	dev.AssertExpectations(t)
	dev.AssertNotCalled(t, "EnableHumidification")
}

func TestHumidifier_OnOffProjection(t *testing.T) {
	tests := []struct {
		power          bool
		humidification bool
		want           string
	}{
		{true, true, entity.StateOn},
		{true, false, entity.StateOff},
		{false, true, entity.StateOff},
		{false, false, entity.StateOff},
	}

	for _, tt := range tests {
		h, dev, _ := newTestHumidifier(t)
		dev.update(dyson.MessageTypeState, func(s *dyson.State) {
			s.IsOn = tt.power
			s.Humidification = tt.humidification
		})
		assert.Equal(t, tt.want, h.State().State, "power=%t humidification=%t", tt.power, tt.humidification)
	}
}

func TestHumidifier_ModeProjection(t *testing.T) {
	h, dev, _ := newTestHumidifier(t)

	for _, auto := range []bool{false, true, false} {
		dev.update(dyson.MessageTypeState, func(s *dyson.State) { s.HumidificationAutoMode = auto })
		want := ModeNormal
		if auto {
			want = ModeAuto
		}
		assert.Equal(t, want, h.Mode())
	}
}

func TestHumidifier_IgnoresEnvironmentalMessages(t *testing.T) {
	h, dev, published := newTestHumidifier(t)

	dev.update(dyson.MessageTypeEnvironmental, func(s *dyson.State) { s.Humidification = false })

	assert.True(t, h.IsOn(), "projection only refreshes on state messages")
	assert.Empty(t, *published)
}

func TestHumidifier_Close(t *testing.T) {
	h, dev, published := newTestHumidifier(t)
	h.Close()
	h.Close()

	dev.update(dyson.MessageTypeState, func(s *dyson.State) { s.Humidification = false })
	assert.True(t, h.IsOn())
	assert.Empty(t, *published)
}

func TestHumidifier_ConcurrentClose(t *testing.T) {
	h, dev, _ := newTestHumidifier(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Close()
		}()
	}
	wg.Wait()

	assert.Nil(t, dev.listeners[0])
}

func TestHumidifier_StateIsACopy(t *testing.T) {
	h, _, _ := newTestHumidifier(t)

	state := h.State()
	state.Attributes[AttrMode] = "broken"
	assert.Equal(t, ModeAuto, h.Mode())
}

func TestApply_Commands(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		service string
		data    map[string]interface{}
		method  string
		args    []interface{}
	}{
		{"turn on", DomainHumidifier, ServiceTurnOn, nil, "EnableHumidification", nil},
		{"turn off", DomainHumidifier, ServiceTurnOff, nil, "DisableHumidification", nil},
		{"set humidity", DomainHumidifier, ServiceSetHumidity, map[string]interface{}{FieldHumidity: 30}, "SetHumidityTarget", []interface{}{30}},
		{"set humidity max", DomainHumidifier, ServiceSetHumidity, map[string]interface{}{FieldHumidity: 70}, "SetHumidityTarget", []interface{}{70}},
		{"mode auto", DomainHumidifier, ServiceSetMode, map[string]interface{}{FieldMode: ModeAuto}, "EnableHumidificationAutoMode", nil},
		{"mode normal", DomainHumidifier, ServiceSetMode, map[string]interface{}{FieldMode: ModeNormal}, "DisableHumidificationAutoMode", nil},
		{"soft water", DomainDyson, ServiceSetWaterHardness, map[string]interface{}{FieldWaterHardness: "soft"}, "SetWaterHardness", []interface{}{dyson.WaterHardnessSoft}},
		{"medium water", DomainDyson, ServiceSetWaterHardness, map[string]interface{}{FieldWaterHardness: "medium"}, "SetWaterHardness", []interface{}{dyson.WaterHardnessMedium}},
		{"hard water", DomainDyson, ServiceSetWaterHardness, map[string]interface{}{FieldWaterHardness: "hard"}, "SetWaterHardness", []interface{}{dyson.WaterHardnessHard}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, dev, _ := newTestHumidifier(t)
			dev.On(tt.method, tt.args...).Return(nil).Once()

			require.NoError(t, h.Apply(context.Background(), tt.domain, tt.service, tt.data))

			dev.AssertExpectations(t)
			dev.AssertNumberOfCalls(t, tt.method, 1)
			assert.Len(t, dev.Calls, 1, "exactly one device call")
		})
	}
}

func TestApply_ValidationErrorsMakeNoCall(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		service string
		data    map[string]interface{}
		wantErr error
	}{
		{"humidity too low", DomainHumidifier, ServiceSetHumidity, map[string]interface{}{FieldHumidity: 29}, entity.ErrInvalidPayload},
		{"humidity too high", DomainHumidifier, ServiceSetHumidity, map[string]interface{}{FieldHumidity: 71}, entity.ErrInvalidPayload},
		{"humidity missing", DomainHumidifier, ServiceSetHumidity, map[string]interface{}{}, entity.ErrInvalidPayload},
		{"humidity not int", DomainHumidifier, ServiceSetHumidity, map[string]interface{}{FieldHumidity: "50"}, entity.ErrInvalidPayload},
		{"unknown mode", DomainHumidifier, ServiceSetMode, map[string]interface{}{FieldMode: "eco"}, entity.ErrInvalidPayload},
		{"unknown hardness", DomainDyson, ServiceSetWaterHardness, map[string]interface{}{FieldWaterHardness: "very hard"}, entity.ErrInvalidPayload},
		{"raw hardness value", DomainDyson, ServiceSetWaterHardness, map[string]interface{}{FieldWaterHardness: "2025"}, entity.ErrInvalidPayload},
		{"unknown service", DomainHumidifier, "toggle", nil, entity.ErrServiceNotFound},
		{"hardness in wrong domain", DomainHumidifier, ServiceSetWaterHardness, map[string]interface{}{FieldWaterHardness: "soft"}, entity.ErrServiceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, dev, _ := newTestHumidifier(t)

			err := h.Apply(context.Background(), tt.domain, tt.service, tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, dev.Calls)
		})
	}
}

func TestApply_DeviceErrorPropagates(t *testing.T) {
	h, dev, published := newTestHumidifier(t)
	boom := errors.New("connection lost")
	dev.On("SetHumidityTarget", 45).Return(boom)

	err := h.Apply(context.Background(), DomainHumidifier, ServiceSetHumidity, map[string]interface{}{FieldHumidity: 45})
	assert.Same(t, boom, err)
	assert.Equal(t, 50, h.TargetHumidity(), "failed command leaves presented state unchanged")
	assert.Empty(t, *published)
}

func TestServices_Declared(t *testing.T) {
	h, _, _ := newTestHumidifier(t)

	declared := make(map[string]entity.Schema)
	for _, svc := range h.Services() {
		declared[svc.Domain+"."+svc.Name] = svc.Schema
	}

	assert.Len(t, declared, 5)
	assert.Empty(t, declared["humidifier.turn_on"].Fields)
	assert.Empty(t, declared["humidifier.turn_off"].Fields)
	assert.Equal(t, []entity.Field{{Name: "humidity", Type: entity.FieldInt, Required: true}}, declared["humidifier.set_humidity"].Fields)
	assert.Equal(t, []string{"normal", "auto"}, declared["humidifier.set_mode"].Fields[0].Enum)
	assert.Equal(t, []string{"soft", "medium", "hard"}, declared["dyson_local.set_water_hardness"].Fields[0].Enum)
}

// Calls routed through the registry reach the device with normalised data
func TestRegistryDispatch(t *testing.T) {
	reg := entity.NewRegistry()
	dev := &mockDevice{state: initialState()}
	h := New("Bedroom", dev, reg.Publish)
	defer h.Close()
	require.NoError(t, reg.Register(h))

	var published []entity.State
	reg.Subscribe(func(s entity.State) { published = append(published, s) })

	dev.On("SetHumidityTarget", 45).Return(nil).Once()
	err := reg.Call(context.Background(), DomainHumidifier, ServiceSetHumidity, map[string]interface{}{
		"entity_id": "humidifier.bedroom",
		"humidity":  float64(45),
	})
	require.NoError(t, err)

	err = reg.Call(context.Background(), DomainHumidifier, ServiceSetHumidity, map[string]interface{}{
		"entity_id": "humidifier.bedroom",
		"humidity":  float64(80),
	})
	assert.ErrorIs(t, err, entity.ErrInvalidPayload)

	err = reg.Call(context.Background(), DomainHumidifier, ServiceSetMode, map[string]interface{}{
		"entity_id": "humidifier.bedroom",
		"mode":      "eco",
	})
	assert.ErrorIs(t, err, entity.ErrInvalidPayload)
	dev.AssertExpectations(t)
	assert.Len(t, dev.Calls, 1)

	dev.update(dyson.MessageTypeState, func(s *dyson.State) { s.HumidityTarget = 45 })
	require.Len(t, published, 1)
	assert.Equal(t, 45, published[0].Attributes[AttrHumidity])

	entry, err := reg.Entry("humidifier.bedroom")
	require.NoError(t, err)
	assert.Equal(t, testSerial, entry.UniqueID)
	assert.Equal(t, Platform, entry.Platform)
}
