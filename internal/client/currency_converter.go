package client

import (
	"context"
	"math/big"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/pesio-ai/be-approvals/internal/platform/errors"
)

// RateConverter converts minor-unit amounts using rates from a RateSource.
// The minor-unit scale of each currency comes from the ISO 4217 tables, so
// 100 USD cents and 100 JPY are treated as 1 USD and 100 JPY respectively.
type RateConverter struct {
	source RateSource
}

// NewRateConverter creates a converter over source.
func NewRateConverter(source RateSource) *RateConverter {
	return &RateConverter{source: source}
}

// Convert returns amount (in from's minor units) expressed in to's minor
// units, rounded half away from zero.
func (c *RateConverter) Convert(ctx context.Context, amount int64, from, to string, asOf time.Time) (int64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}

	fromScale, err := minorScale(from)
	if err != nil {
		return 0, err
	}
	toScale, err := minorScale(to)
	if err != nil {
		return 0, err
	}

	rate, err := c.source.Rate(ctx, from, to, asOf)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeConversionUnavailable) {
			return 0, err
		}
		return 0, errors.Wrap(err, errors.ErrCodeConversionUnavailable, "exchange rate unavailable").
			WithEntity("currency_pair", from+"/"+to)
	}
	if rate <= 0 {
		return 0, errors.Newf(errors.ErrCodeConversionUnavailable, "invalid rate %v for %s/%s", rate, from, to)
	}

	r := new(big.Rat).SetInt64(amount)
	r.Mul(r, new(big.Rat).SetFloat64(rate))
	r.Mul(r, pow10(toScale))
	r.Quo(r, pow10(fromScale))
	return roundRat(r), nil
}

func minorScale(code string) (int, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeConversionUnavailable, "unknown currency").
			WithEntity("currency", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

// ValidCurrency reports whether code is a recognised ISO 4217 code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

func pow10(n int) *big.Rat {
	return new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil))
}

func roundRat(r *big.Rat) int64 {
	num := new(big.Int).Set(r.Num())
	den := r.Denom()
	neg := num.Sign() < 0
	num.Abs(num)

	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if new(big.Int).Mul(m, big.NewInt(2)).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if neg {
		q.Neg(q)
	}
	return q.Int64()
}

// StaticRates is a fixed table of units per one unit of a base currency.
type StaticRates map[string]float64

// Rate implements RateSource.
func (s StaticRates) Rate(_ context.Context, from, to string, _ time.Time) (float64, error) {
	fromRate, ok := s[strings.ToUpper(from)]
	if !ok || fromRate <= 0 {
		return 0, errors.Newf(errors.ErrCodeConversionUnavailable, "no static rate for %s", from)
	}
	toRate, ok := s[strings.ToUpper(to)]
	if !ok || toRate <= 0 {
		return 0, errors.Newf(errors.ErrCodeConversionUnavailable, "no static rate for %s", to)
	}
	return toRate / fromRate, nil
}
