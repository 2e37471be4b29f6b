package validation

import (
	"errors"
	"fmt"
)

// ErrMilestoneSumMismatch возвращается, если сумма этапов не совпадает с целевой суммой кампании.
var ErrMilestoneSumMismatch = errors.New("milestone amounts must sum to target amount")

// MilestonePlan описывает один этап при создании кампании.
type MilestonePlan struct {
	Title       string
	Description string
	AmountUnits int64
}

// ValidateMilestonePlan проверяет план этапов при создании кампании:
// непустые заголовки, положительные суммы, сумма этапов равна целевой.
func ValidateMilestonePlan(targetUnits int64, plan []MilestonePlan) error {
	if targetUnits <= 0 {
		return errors.New("target amount must be positive")
	}
	if len(plan) == 0 {
		return errors.New("at least one milestone is required")
	}

	var sum int64
	for i, m := range plan {
		if m.Title == "" {
			return fmt.Errorf("milestone %d: title must not be empty", i)
		}
		if m.AmountUnits <= 0 {
			return fmt.Errorf("milestone %d: amount must be positive", i)
		}
		sum += m.AmountUnits
	}

	if sum != targetUnits {
		return fmt.Errorf("%w: have %d, want %d", ErrMilestoneSumMismatch, sum, targetUnits)
	}

	return nil
}
