package hr

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DAYS - Decimal day quantity
// =============================================================================

// Days is a quantity of leave days. It wraps decimal.Decimal so credits,
// caps and balances never accumulate floating-point error.
type Days struct {
	decimal.Decimal
}

func NewDays(v float64) Days        { return Days{decimal.NewFromFloat(v)} }
func DaysFromInt(v int) Days        { return Days{decimal.NewFromInt(int64(v))} }
func ZeroDays() Days                { return Days{decimal.Zero} }
func DaysOf(d decimal.Decimal) Days { return Days{d} }

// ParseDays parses a decimal string such as "1.5".
func ParseDays(s string) (Days, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Days{}, err
	}
	return Days{d}, nil
}

func (d Days) Add(o Days) Days         { return Days{d.Decimal.Add(o.Decimal)} }
func (d Days) Sub(o Days) Days         { return Days{d.Decimal.Sub(o.Decimal)} }
func (d Days) Mul(o Days) Days         { return Days{d.Decimal.Mul(o.Decimal)} }
func (d Days) Neg() Days               { return Days{d.Decimal.Neg()} }
func (d Days) GreaterThan(o Days) bool { return d.Decimal.GreaterThan(o.Decimal) }
func (d Days) LessThan(o Days) bool    { return d.Decimal.LessThan(o.Decimal) }
func (d Days) Equal(o Days) bool       { return d.Decimal.Equal(o.Decimal) }

func (d Days) Min(o Days) Days {
	if d.LessThan(o) {
		return d
	}
	return o
}

func (d Days) Max(o Days) Days {
	if d.GreaterThan(o) {
		return d
	}
	return o
}

// ClampZero returns d, or zero when d is negative.
func (d Days) ClampZero() Days {
	if d.IsNegative() {
		return ZeroDays()
	}
	return d
}

// FloorHalf rounds down to the nearest half day.
func (d Days) FloorHalf() Days {
	two := decimal.NewFromInt(2)
	return Days{d.Decimal.Mul(two).Floor().Div(two)}
}

func (d Days) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Decimal.String())
}

func (d *Days) UnmarshalJSON(b []byte) error {
	return d.Decimal.UnmarshalJSON(b)
}
