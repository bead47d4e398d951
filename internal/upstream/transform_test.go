package upstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransform_AppliesDefaults(t *testing.T) {
	in := []wireDividend{
		{CashAmount: json.Number("0.24"), ExDividendDate: "2024-05-10"},
	}
	out := transform(in)
	assert.Len(t, out, 1)
	assert.Equal(t, "USD", out[0].Currency)
	assert.Equal(t, 4, out[0].Frequency)
	assert.Equal(t, "Cash", out[0].Type)
	assert.Equal(t, "polygon", out[0].DataSource)
	assert.True(t, out[0].Amount.IsPositive())
}

func TestTransform_RejectsNonPositiveAmount(t *testing.T) {
	in := []wireDividend{
		{CashAmount: json.Number("0"), ExDividendDate: "2024-05-10"},
		{CashAmount: json.Number("-1"), ExDividendDate: "2024-05-11"},
		{CashAmount: json.Number("0.5"), ExDividendDate: "2024-05-12"},
	}
	out := transform(in)
	assert.Len(t, out, 1)
}

func TestTransform_RejectsMissingExDate(t *testing.T) {
	in := []wireDividend{
		{CashAmount: json.Number("0.5"), ExDividendDate: ""},
	}
	out := transform(in)
	assert.Len(t, out, 0)
}

func TestTransform_PreservesExplicitFields(t *testing.T) {
	in := []wireDividend{
		{
			CashAmount:      json.Number("1.5"),
			Currency:        "EUR",
			Frequency:       12,
			DividendType:    "Special",
			ExDividendDate:  "2024-01-15",
			DeclarationDate: "2024-01-01",
			RecordDate:      "2024-01-16",
			PayDate:         "2024-02-01",
			ID:              "poly-123",
		},
	}
	out := transform(in)
	assert.Len(t, out, 1)
	r := out[0]
	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, 12, r.Frequency)
	assert.Equal(t, "Special", r.Type)
	assert.NotNil(t, r.PolygonID)
	assert.Equal(t, "poly-123", *r.PolygonID)
	assert.NotNil(t, r.DeclarationDate)
	assert.NotNil(t, r.RecordDate)
	assert.NotNil(t, r.PayDate)
}
