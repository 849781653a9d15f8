// Package pricing turns cart or order lines into authoritative totals.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

const (
	DefaultTaxRate               = "0.08"
	DefaultFreeShippingThreshold = int64(7000)
	DefaultShippingFee           = int64(1000)
)

// Line is a single priced entry fed to the calculator.
type Line struct {
	UnitPriceCents int64
	Quantity       int
}

// Totals are the cent amounts shown on the cart and stored on the order.
type Totals struct {
	SubtotalCents int64 `json:"subtotalCents"`
	TaxCents      int64 `json:"taxCents"`
	ShippingCents int64 `json:"shippingCents"`
	TotalCents    int64 `json:"totalCents"`
}

// Calculator applies tax and shipping rules. It holds no state beyond its
// configuration and is safe for concurrent use.
type Calculator struct {
	taxRate       decimal.Decimal
	freeShipAbove int64
	shippingFee   int64
}

// NewCalculator builds a calculator from pricing config.
func NewCalculator(cfg config.PricingConfig) (*Calculator, error) {
	raw := cfg.TaxRate
	if raw == "" {
		raw = DefaultTaxRate
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse tax rate %q: %w", raw, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("tax rate %s out of range", rate)
	}
	if cfg.FreeShippingThreshold < 0 || cfg.ShippingFee < 0 {
		return nil, fmt.Errorf("shipping amounts must be non-negative")
	}
	return &Calculator{
		taxRate:       rate,
		freeShipAbove: cfg.FreeShippingThreshold,
		shippingFee:   cfg.ShippingFee,
	}, nil
}

// Default returns the calculator for the stock storefront rules.
func Default() *Calculator {
	calc, err := NewCalculator(config.PricingConfig{
		TaxRate:               DefaultTaxRate,
		FreeShippingThreshold: DefaultFreeShippingThreshold,
		ShippingFee:           DefaultShippingFee,
	})
	if err != nil {
		panic(err)
	}
	return calc
}

// Quote computes totals for lines. An empty input yields zero totals; callers
// that need a non-empty cart check that themselves.
func (c *Calculator) Quote(lines []Line) (Totals, error) {
	subtotal := decimal.Zero
	for i, line := range lines {
		if line.Quantity < 1 {
			return Totals{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("line %d: quantity must be at least 1", i))
		}
		if line.UnitPriceCents < 0 {
			return Totals{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("line %d: unit price must be non-negative", i))
		}
		subtotal = subtotal.Add(decimal.NewFromInt(line.UnitPriceCents).Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if len(lines) == 0 {
		return Totals{}, nil
	}

	tax := subtotal.Mul(c.taxRate).Round(0)
	shipping := decimal.NewFromInt(c.shippingFee)
	if subtotal.GreaterThan(decimal.NewFromInt(c.freeShipAbove)) {
		shipping = decimal.Zero
	}

	return Totals{
		SubtotalCents: subtotal.IntPart(),
		TaxCents:      tax.IntPart(),
		ShippingCents: shipping.IntPart(),
		TotalCents:    subtotal.Add(tax).Add(shipping).IntPart(),
	}, nil
}
