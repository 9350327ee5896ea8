package forecast

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"demand-forecast/internal/models"
)

// CanonicalProductName trims surrounding whitespace and lower-cases name so
// that " Widget " and "widget" identify the same product.
func CanonicalProductName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ParseQuantity parses a textual quantity exactly
func ParseQuantity(value string) (decimal.Decimal, error) {
	q, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, &models.ValidationError{
			Field:   "quantity",
			Value:   value,
			Message: fmt.Sprintf("invalid quantity %q, expected a number", value),
		}
	}
	return q, nil
}

// Normalize canonicalizes every raw record. It returns exactly one
// NormalizedRecord per input record, or the first parse failure; a single
// malformed row fails the whole batch.
func Normalize(records []models.RawRecord) ([]models.NormalizedRecord, error) {
	out := make([]models.NormalizedRecord, len(records))

	for i, rec := range records {
		date, err := models.ParseDate(strings.TrimSpace(rec.Date))
		if err != nil {
			return nil, fmt.Errorf("record %d (%q): %w", i, rec.ProductName, err)
		}

		qty, err := ParseQuantity(rec.Quantity)
		if err != nil {
			return nil, fmt.Errorf("record %d (%q): %w", i, rec.ProductName, err)
		}

		out[i] = models.NormalizedRecord{
			Date:        date,
			ProductName: CanonicalProductName(rec.ProductName),
			Quantity:    qty,
		}
	}

	return out, nil
}
