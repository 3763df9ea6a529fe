package cart

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/nn-hair/storefront/internal/domain"
)

const (
	defaultTaxRateBasisPoints    = 1500
	defaultFreeShippingThreshold = 100000
	defaultFlatShippingFee       = 15000
	defaultCurrency              = "ZAR"
	currencySymbol               = "R"
	basisPointsDivisor           = 10000
)

// Policy holds the fixed pricing constants applied to every cart. Amounts are in minor units.
type Policy struct {
	TaxRateBasisPoints    int64
	FreeShippingThreshold int64
	FlatShippingFee       int64
	// ChargeShippingOnEmpty keeps the flat fee on a cart with no items.
	ChargeShippingOnEmpty bool
	Currency              string
}

// DefaultPolicy returns 15% VAT, free shipping from R1000 and a flat R150 fee below it.
func DefaultPolicy() Policy {
	return Policy{
		TaxRateBasisPoints:    defaultTaxRateBasisPoints,
		FreeShippingThreshold: defaultFreeShippingThreshold,
		FlatShippingFee:       defaultFlatShippingFee,
		Currency:              defaultCurrency,
	}
}

func (p Policy) normalise() Policy {
	def := DefaultPolicy()
	if p.TaxRateBasisPoints < 0 {
		p.TaxRateBasisPoints = def.TaxRateBasisPoints
	}
	if p.FreeShippingThreshold < 0 {
		p.FreeShippingThreshold = def.FreeShippingThreshold
	}
	if p.FlatShippingFee < 0 {
		p.FlatShippingFee = def.FlatShippingFee
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = def.Currency
	}
	return p
}

// Tax applies the flat VAT rate, rounding half-up to the minor unit.
func (p Policy) Tax(subtotal int64) int64 {
	if subtotal <= 0 || p.TaxRateBasisPoints <= 0 {
		return 0
	}
	return (subtotal*p.TaxRateBasisPoints + basisPointsDivisor/2) / basisPointsDivisor
}

// Shipping returns zero at or above the free-shipping threshold and the flat fee below it.
func (p Policy) Shipping(subtotal int64, itemCount int) int64 {
	if itemCount == 0 && !p.ChargeShippingOnEmpty {
		return 0
	}
	if subtotal >= p.FreeShippingThreshold {
		return 0
	}
	return p.FlatShippingFee
}

// Summary is the derived view of a cart under a policy.
type Summary struct {
	Subtotal     int64
	Tax          int64
	Shipping     int64
	Total        int64
	ItemCount    int
	FreeShipping bool
	Currency     string
}

// Summarize derives every total from the supplied items.
func (p Policy) Summarize(items []domain.LineItem) Summary {
	subtotal := subtotalOf(items)
	count := itemCountOf(items)
	tax := p.Tax(subtotal)
	shipping := p.Shipping(subtotal, count)
	return Summary{
		Subtotal:     subtotal,
		Tax:          tax,
		Shipping:     shipping,
		Total:        subtotal + tax + shipping,
		ItemCount:    count,
		FreeShipping: shipping == 0,
		Currency:     p.Currency,
	}
}

func subtotalOf(items []domain.LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.LineTotal()
	}
	return total
}

func itemCountOf(items []domain.LineItem) int {
	count := 0
	for _, item := range items {
		count += item.Quantity
	}
	return count
}

var pricePrinter = message.NewPrinter(language.English)

// FormatPrice renders minor units as a rand amount, e.g. 115000 => "R1,150.00".
func FormatPrice(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	major := float64(minor) / 100
	return sign + currencySymbol + pricePrinter.Sprint(number.Decimal(major,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}

// LineTotal returns the extended price of a single line.
func LineTotal(item domain.LineItem) int64 {
	return item.LineTotal()
}
