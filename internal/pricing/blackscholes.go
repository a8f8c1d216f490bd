// Package pricing provides the Black-Scholes evaluator the option search
// engine uses for delta-targeted strike selection when the broker supplies no
// greeks.
package pricing

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kestrade/orbweaver/internal/models"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Guard rails: option math degenerates at zero time or extreme vols.
const (
	minTimeYears = 1.0 / (365 * 24 * 60) // one minute
	minSigma     = 0.01
	maxSigma     = 5.0
)

func clampInputs(tYears, sigma float64) (float64, float64) {
	if tYears < minTimeYears {
		tYears = minTimeYears
	}
	if sigma < minSigma {
		sigma = minSigma
	} else if sigma > maxSigma {
		sigma = maxSigma
	}
	return tYears, sigma
}

func d1(spot, strike, tYears, rate, sigma float64) float64 {
	return (math.Log(spot/strike) + (rate+sigma*sigma/2)*tYears) / (sigma * math.Sqrt(tYears))
}

// Delta returns the Black-Scholes delta: Φ(d1) for calls, Φ(d1)−1 for puts.
func Delta(spot, strike, tYears, rate, sigma float64, right models.Right) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	tYears, sigma = clampInputs(tYears, sigma)
	nd1 := stdNormal.CDF(d1(spot, strike, tYears, rate, sigma))
	if right == models.Put {
		return nd1 - 1
	}
	return nd1
}

// Price returns the Black-Scholes option value.
func Price(spot, strike, tYears, rate, sigma float64, right models.Right) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	tYears, sigma = clampInputs(tYears, sigma)
	v1 := d1(spot, strike, tYears, rate, sigma)
	v2 := v1 - sigma*math.Sqrt(tYears)
	disc := math.Exp(-rate * tYears)
	if right == models.Put {
		return strike*disc*stdNormal.CDF(-v2) - spot*stdNormal.CDF(-v1)
	}
	return spot*stdNormal.CDF(v1) - strike*disc*stdNormal.CDF(v2)
}

// ImpliedVol solves for the volatility that reproduces the observed option
// price by bisection over the clamped sigma range. Prices outside the
// attainable range return the nearest bound.
func ImpliedVol(price, spot, strike, tYears, rate float64, right models.Right) float64 {
	if price <= 0 || spot <= 0 || strike <= 0 {
		return minSigma
	}
	lo, hi := minSigma, maxSigma
	if Price(spot, strike, tYears, rate, lo, right) >= price {
		return lo
	}
	if Price(spot, strike, tYears, rate, hi, right) <= price {
		return hi
	}
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if Price(spot, strike, tYears, rate, mid, right) < price {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// YearsUntil converts a wall-clock distance to expiry into Black-Scholes
// time, clamped below at one minute.
func YearsUntil(now, expiry time.Time) float64 {
	t := expiry.Sub(now).Hours() / 24 / 365
	if t < minTimeYears {
		return minTimeYears
	}
	return t
}
