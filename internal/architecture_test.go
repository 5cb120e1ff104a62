package internal

import (
	"testing"

	"github.com/kcmvp/archunit"
)

func TestArchitecture(t *testing.T) {
	core := archunit.Packages("core", []string{".../internal/entity", ".../internal/humidifier", ".../internal/dyson"})
	outer := archunit.Packages("outer", []string{".../internal/web", ".../internal/storage", ".../internal/metrics"})

	// Entities and the device protocol must not know about their consumers
	if err := core.ShouldNotReferLayers(outer); err != nil {
		t.Errorf("Architecture violation: core depends on outer layers: %v", err)
	}

	entity := archunit.Packages("entity", []string{".../internal/entity"})
	device := archunit.Packages("device", []string{".../internal/dyson"})
	if err := entity.ShouldNotReferLayers(device); err != nil {
		t.Errorf("Architecture violation: entity depends on dyson: %v", err)
	}
}

func TestHumidifierPackagePresent(t *testing.T) {
	humidifier := archunit.Packages("humidifier", []string{".../internal/humidifier"})
	if len(humidifier.Packages()) == 0 {
		t.Error("No humidifier package found")
	}
}
