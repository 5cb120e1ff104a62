package humidifier

import (
	"context"
	"fmt"

	"github.com/stephens/dyson-bridge/internal/dyson"
	"github.com/stephens/dyson-bridge/internal/entity"
)

// Service domains
const (
	DomainHumidifier = "humidifier"
	DomainDyson      = Platform
)

// Service names
const (
	ServiceTurnOn           = "turn_on"
	ServiceTurnOff          = "turn_off"
	ServiceSetHumidity      = "set_humidity"
	ServiceSetMode          = "set_mode"
	ServiceSetWaterHardness = "set_water_hardness"
)

// Service data fields
const (
	FieldHumidity      = "humidity"
	FieldMode          = "mode"
	FieldWaterHardness = "water_hardness"
)

// Water hardness labels
const (
	HardnessSoft   = "soft"
	HardnessMedium = "medium"
	HardnessHard   = "hard"
)

var waterHardness = map[string]dyson.WaterHardness{
	HardnessSoft:   dyson.WaterHardnessSoft,
	HardnessMedium: dyson.WaterHardnessMedium,
	HardnessHard:   dyson.WaterHardnessHard,
}

func hardnessLabel(h dyson.WaterHardness) (string, bool) {
	for label, value := range waterHardness {
		if value == h {
			return label, true
		}
	}
	return "", false
}

// command is one row of the service table. validate runs before any device
// call; call receives the values validate produced.
type command struct {
	service  entity.Service
	validate func(data map[string]interface{}) (interface{}, error)
	call     func(ctx context.Context, dev Device, arg interface{}) error
}

type commandKey struct {
	domain  string
	service string
}

var humiditySchema = entity.Schema{Fields: []entity.Field{
	{Name: FieldHumidity, Type: entity.FieldInt, Required: true},
}}

var modeSchema = entity.Schema{Fields: []entity.Field{
	{Name: FieldMode, Type: entity.FieldString, Required: true, Enum: []string{ModeNormal, ModeAuto}},
}}

var waterHardnessSchema = entity.Schema{Fields: []entity.Field{
	{Name: FieldWaterHardness, Type: entity.FieldString, Required: true, Enum: []string{HardnessSoft, HardnessMedium, HardnessHard}},
}}

var commands = []command{
	{
		service:  entity.Service{Domain: DomainHumidifier, Name: ServiceTurnOn},
		validate: noArgs,
		call:     callTurnOn,
	},
	{
		service:  entity.Service{Domain: DomainHumidifier, Name: ServiceTurnOff},
		validate: noArgs,
		call:     callTurnOff,
	},
	{
		service:  entity.Service{Domain: DomainHumidifier, Name: ServiceSetHumidity, Schema: humiditySchema},
		validate: validateHumidity,
		call:     callSetHumidity,
	},
	{
		service:  entity.Service{Domain: DomainHumidifier, Name: ServiceSetMode, Schema: modeSchema},
		validate: validateMode,
		call:     callSetMode,
	},
	{
		service:  entity.Service{Domain: DomainDyson, Name: ServiceSetWaterHardness, Schema: waterHardnessSchema},
		validate: validateWaterHardness,
		call:     callSetWaterHardness,
	},
}

var commandIndex = func() map[commandKey]command {
	index := make(map[commandKey]command, len(commands))
	for _, c := range commands {
		index[commandKey{domain: c.service.Domain, service: c.service.Name}] = c
	}
	return index
}()

func noArgs(map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func validateHumidity(data map[string]interface{}) (interface{}, error) {
	target, ok := data[FieldHumidity].(int)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an integer", entity.ErrInvalidPayload, FieldHumidity)
	}
	if target < dyson.HumidityTargetMin || target > dyson.HumidityTargetMax {
		return nil, fmt.Errorf("%w: %s %d not in [%d, %d]", entity.ErrInvalidPayload,
			FieldHumidity, target, dyson.HumidityTargetMin, dyson.HumidityTargetMax)
	}
	return target, nil
}

func validateMode(data map[string]interface{}) (interface{}, error) {
	mode, _ := data[FieldMode].(string)
	if mode != ModeAuto && mode != ModeNormal {
		return nil, fmt.Errorf("%w: unknown mode %q", entity.ErrInvalidPayload, mode)
	}
	return mode, nil
}

func validateWaterHardness(data map[string]interface{}) (interface{}, error) {
	label, _ := data[FieldWaterHardness].(string)
	value, ok := waterHardness[label]
	if !ok {
		return nil, fmt.Errorf("%w: unknown water hardness %q", entity.ErrInvalidPayload, label)
	}
	return value, nil
}

func callTurnOn(ctx context.Context, dev Device, _ interface{}) error {
	return dev.EnableHumidification(ctx)
}

func callTurnOff(ctx context.Context, dev Device, _ interface{}) error {
	return dev.DisableHumidification(ctx)
}

func callSetHumidity(ctx context.Context, dev Device, arg interface{}) error {
	return dev.SetHumidityTarget(ctx, arg.(int))
}

func callSetMode(ctx context.Context, dev Device, arg interface{}) error {
	if arg.(string) == ModeAuto {
		return dev.EnableHumidificationAutoMode(ctx)
	}
	return dev.DisableHumidificationAutoMode(ctx)
}

func callSetWaterHardness(ctx context.Context, dev Device, arg interface{}) error {
	return dev.SetWaterHardness(ctx, arg.(dyson.WaterHardness))
}

// Services returns the services the entity accepts
func (h *Humidifier) Services() []entity.Service {
	out := make([]entity.Service, len(commands))
	for i, c := range commands {
		out[i] = c.service
	}
	return out
}

// Apply validates data and issues the matching device call. Validation
// errors wrap entity.ErrInvalidPayload; device errors are returned as-is.
func (h *Humidifier) Apply(ctx context.Context, domain, service string, data map[string]interface{}) error {
	c, ok := commandIndex[commandKey{domain: domain, service: service}]
	if !ok {
		return fmt.Errorf("%w: %s.%s", entity.ErrServiceNotFound, domain, service)
	}

	arg, err := c.validate(data)
	if err != nil {
		return err
	}

	h.logger.Info("Service %s.%s %v", domain, service, data)
	return c.call(ctx, h.dev, arg)
}
