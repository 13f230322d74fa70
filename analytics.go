package main

import "math"

// Trend labels. Improving/declining are used when the metric has a preferred
// direction, increasing/decreasing when it is neutral.
type Trend string

const (
	TrendImproving  Trend = "improving"
	TrendStable     Trend = "stable"
	TrendDeclining  Trend = "declining"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
)

// Regression is an ordinary least-squares fit of y against x = 0..n-1
type Regression struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	R2        float64 `json:"r2"`

	n     int
	xMean float64
	ssXX  float64
	se    float64 // residual standard error, 0 when n < 3
}

// simpleMovingAverage returns the trailing mean of each point. The first
// period-1 points have no full window and are passed through unchanged.
func simpleMovingAverage(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if period <= 1 {
		copy(out, data)
		return out
	}
	var window float64
	for i, v := range data {
		window += v
		if i >= period {
			window -= data[i-period]
		}
		if i < period-1 {
			out[i] = v
		} else {
			out[i] = window / float64(period)
		}
	}
	return out
}

// exponentialMovingAverage seeds with the SMA of the first period values, then
// applies ema = (v - ema) * 2/(period+1) + ema for each following value. The
// result has len(data)-period+1 points; nil when data is shorter than period.
func exponentialMovingAverage(data []float64, period int) []float64 {
	if period <= 0 || len(data) < period {
		return nil
	}
	multiplier := 2 / float64(period+1)

	var ema float64
	for _, v := range data[:period] {
		ema += v
	}
	ema /= float64(period)

	out := make([]float64, 0, len(data)-period+1)
	out = append(out, ema)
	for _, v := range data[period:] {
		ema = (v-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// linearRegression fits data by least squares. With fewer than two points or a
// zero sum of squares it degrades to slope 0, intercept = mean, r2 = 0.
func linearRegression(data []float64) Regression {
	n := len(data)
	if n == 0 {
		return Regression{}
	}
	yMean := mean(data)
	if n < 2 {
		return Regression{Intercept: yMean, n: n}
	}

	xMean := float64(n-1) / 2
	var ssXY, ssXX, ssYY float64
	for i, y := range data {
		dx := float64(i) - xMean
		dy := y - yMean
		ssXY += dx * dy
		ssXX += dx * dx
		ssYY += dy * dy
	}

	reg := Regression{Intercept: yMean, n: n, xMean: xMean, ssXX: ssXX}
	if ssXX == 0 {
		return reg
	}
	reg.Slope = ssXY / ssXX
	reg.Intercept = yMean - reg.Slope*xMean
	if ssYY != 0 {
		reg.R2 = (ssXY * ssXY) / (ssXX * ssYY)
	}

	if n > 2 {
		var ssRes float64
		for i, y := range data {
			r := y - (reg.Intercept + reg.Slope*float64(i))
			ssRes += r * r
		}
		reg.se = math.Sqrt(ssRes / float64(n-2))
	}
	return reg
}

// At evaluates the fitted line at index x
func (r Regression) At(x float64) float64 {
	return r.Slope*x + r.Intercept
}

// Margin is the half-width of the prediction interval at index x:
// z * se * sqrt(1 + 1/n + (x - x̄)² / Sxx)
func (r Regression) Margin(x, z float64) float64 {
	if r.n < 3 || r.ssXX == 0 {
		return 0
	}
	dx := x - r.xMean
	return z * r.se * math.Sqrt(1+1/float64(r.n)+dx*dx/r.ssXX)
}

// classifyTrend labels a slope relative to 1% of the series mean. For
// higher-is-better metrics a rising slope is improving; otherwise it is declining.
func classifyTrend(slope, seriesMean float64, higherIsBetter bool) Trend {
	if slope == 0 || math.Abs(slope) < math.Abs(seriesMean)*0.01 {
		return TrendStable
	}
	rising := slope > 0
	if rising == higherIsBetter {
		return TrendImproving
	}
	return TrendDeclining
}

// classifyDirection is classifyTrend for metrics without a preferred direction
func classifyDirection(slope, seriesMean float64) Trend {
	if slope == 0 || math.Abs(slope) < math.Abs(seriesMean)*0.01 {
		return TrendStable
	}
	if slope > 0 {
		return TrendIncreasing
	}
	return TrendDecreasing
}

// overallTrend combines sub-metric trends by majority; a tie is stable
func overallTrend(trends ...Trend) Trend {
	improving, declining := 0, 0
	for _, t := range trends {
		switch t {
		case TrendImproving:
			improving++
		case TrendDeclining:
			declining++
		}
	}
	switch {
	case improving > declining:
		return TrendImproving
	case declining > improving:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// zScoreFor maps a confidence level to its two-sided normal quantile
func zScoreFor(confidence float64) float64 {
	switch confidence {
	case 0.90:
		return 1.645
	case 0.99:
		return 2.576
	default:
		return 1.96
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentileSorted interpolates linearly between the closest ranks.
// sorted must be ascending and non-empty.
func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	w := rank - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}
