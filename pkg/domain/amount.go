package domain

import (
	"fmt"
	"math/big"
)

// Amount is a non-negative integer amount in the ledger's smallest currency
// unit (wei scale). Wei amounts overflow int64 for everyday values, so the
// representation is arbitrary precision. The zero value is a valid zero
// amount.
//
// Amount is immutable: arithmetic returns new values and never aliases the
// internal big.Int.
type Amount struct {
	v *big.Int
}

// ZeroAmount returns the zero amount.
func ZeroAmount() Amount {
	return Amount{}
}

// ParseAmount validates and returns an Amount from its decimal string form,
// the wire representation used by the transport layer. Negative values,
// fractions, and non-numeric input are rejected.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("amount is empty")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount %q is not a base-10 integer", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount %q is negative", s)
	}
	return Amount{v: v}, nil
}

// AmountFromUint64 builds an Amount from a machine integer. Used by tests and
// by config defaults; wire input goes through ParseAmount.
func AmountFromUint64(u uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(u)}
}

func (a Amount) bigint() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.bigint(), b.bigint())}
}

// Sub returns a-b. Callers must have established a >= b; the subtraction of a
// larger value panics rather than producing a negative Amount.
func (a Amount) Sub(b Amount) Amount {
	if a.Cmp(b) < 0 {
		panic("domain: Amount subtraction underflow")
	}
	return Amount{v: new(big.Int).Sub(a.bigint(), b.bigint())}
}

// MulDiv returns a*mul/div, truncating toward zero. Used for scaling rate
// ceilings between window sizes without leaving integer arithmetic.
func (a Amount) MulDiv(mul, div uint64) Amount {
	if div == 0 {
		panic("domain: MulDiv by zero")
	}
	v := new(big.Int).Mul(a.bigint(), new(big.Int).SetUint64(mul))
	v.Quo(v, new(big.Int).SetUint64(div))
	return Amount{v: v}
}

// Cmp compares a and b, returning -1, 0, or 1.
func (a Amount) Cmp(b Amount) int {
	return a.bigint().Cmp(b.bigint())
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v == nil || a.v.Sign() == 0
}

// String returns the decimal string form.
func (a Amount) String() string {
	return a.bigint().String()
}

// MarshalJSON encodes the amount as a decimal string. Amounts never travel as
// JSON numbers: they exceed float64's integer range.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts the decimal string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("amount must be a JSON string")
	}
	parsed, err := ParseAmount(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
