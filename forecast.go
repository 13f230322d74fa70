package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/clause"
)

const (
	dateLayout          = "2006-01-02"
	minForecastPoints   = 3
	defaultHistoryDays  = 30
	defaultForecastDays = 7
	maxForecastDays     = 365
	maxHistoryDays      = 3650
)

// ForecastPoint is one predicted step with its prediction interval
type ForecastPoint struct {
	Date           string  `json:"date"`
	PredictedValue float64 `json:"predictedValue"`
	LowerBound     float64 `json:"lowerBound"`
	UpperBound     float64 `json:"upperBound"`
	Confidence     float64 `json:"confidence"`
	Trend          Trend   `json:"trend"`
}

// MetricTrend describes the fitted trend of one historical metric
type MetricTrend struct {
	Trend         Trend   `json:"trend"`
	Slope         float64 `json:"slope"`
	R2            float64 `json:"r2"`
	Mean          float64 `json:"mean"`
	ChangePercent float64 `json:"changePercent"`
	Points        int     `json:"points"`
}

// ReliabilityPrediction is one forecast day for a target. A metric is nil when
// it had fewer than three historical points.
type ReliabilityPrediction struct {
	Date         string         `json:"date"`
	MTTR         *ForecastPoint `json:"mttr"`
	MTBF         *ForecastPoint `json:"mtbf"`
	Availability *ForecastPoint `json:"availability"`
	Confidence   float64        `json:"confidence"`
	Trend        Trend          `json:"trend"`
}

// TrendAnalysis groups the per-metric trends of a reliability forecast
type TrendAnalysis struct {
	MTTR         MetricTrend `json:"mttr"`
	MTBF         MetricTrend `json:"mtbf"`
	Availability MetricTrend `json:"availability"`
	Overall      Trend       `json:"overall"`
}

// ForecastRequest selects the target and horizon of a reliability forecast
type ForecastRequest struct {
	TargetType     TargetType `json:"targetType"`
	TargetID       uint       `json:"targetId"`
	HistoricalDays int        `json:"historicalDays"`
	ForecastDays   int        `json:"forecastDays"`
}

// ReliabilityForecast is the result of predictReliability
type ReliabilityForecast struct {
	Historical    []ReliabilityStat       `json:"historical"`
	Predictions   []ReliabilityPrediction `json:"predictions"`
	TrendAnalysis TrendAnalysis           `json:"trendAnalysis"`
}

// DeviceForecast is the forecast of a device's daily average
type DeviceForecast struct {
	DeviceID    uint            `json:"deviceId"`
	Historical  []SeriesPoint   `json:"historical"`
	Predictions []ForecastPoint `json:"predictions"`
	Trend       MetricTrend     `json:"trend"`
}

// reliabilityUpsert replaces the figures of an existing target-day
var reliabilityUpsert = clause.OnConflict{
	Columns:   []clause.Column{{Name: "target_type"}, {Name: "target_id"}, {Name: "period_start"}},
	DoUpdates: clause.AssignmentColumns([]string{"mttr", "mtbf", "availability", "failure_count"}),
}

func clampNonNegative(v float64) float64 { return math.Max(0, v) }

func clampFraction(v float64) float64 { return math.Min(1, math.Max(0, v)) }

// forecastSeries extrapolates the least-squares line of values for horizon steps.
// Prediction and bounds pass through the same monotone clamp so
// lower <= predicted <= upper holds after clamping. Confidence is r² for every
// step. Returns nil when values has fewer than three points.
func forecastSeries(values []float64, horizon int, z float64, trend Trend, clamp func(float64) float64, dateAt func(step int) string) []ForecastPoint {
	if len(values) < minForecastPoints || horizon <= 0 {
		return nil
	}
	reg := linearRegression(values)
	n := len(values)
	confidence := clampFraction(reg.R2)

	points := make([]ForecastPoint, 0, horizon)
	for i := 0; i < horizon; i++ {
		x := float64(n + i)
		raw := reg.At(x)
		margin := reg.Margin(x, z)
		points = append(points, ForecastPoint{
			Date:           dateAt(i),
			PredictedValue: clamp(raw),
			LowerBound:     clamp(raw - margin),
			UpperBound:     clamp(raw + margin),
			Confidence:     confidence,
			Trend:          trend,
		})
	}
	return points
}

// analyzeMetric fits the historical values of one metric. higherIsBetter is nil
// for metrics without a preferred direction.
func analyzeMetric(values []float64, historicalDays int, higherIsBetter *bool) MetricTrend {
	mt := MetricTrend{Trend: TrendStable, Points: len(values)}
	if len(values) == 0 {
		return mt
	}
	reg := linearRegression(values)
	mt.Slope = reg.Slope
	mt.R2 = reg.R2
	mt.Mean = mean(values)
	if higherIsBetter == nil {
		mt.Trend = classifyDirection(reg.Slope, mt.Mean)
	} else {
		mt.Trend = classifyTrend(reg.Slope, mt.Mean, *higherIsBetter)
	}
	if mt.Mean != 0 {
		mt.ChangePercent = reg.Slope * float64(historicalDays) / mt.Mean * 100
	}
	return mt
}

func normalizeForecastRequest(req *ForecastRequest) error {
	switch req.TargetType {
	case TargetDevice, TargetMachine, TargetProductionLine:
	default:
		return fmt.Errorf("unknown targetType %q", req.TargetType)
	}
	if req.TargetID == 0 {
		return fmt.Errorf("targetId is required")
	}
	if req.HistoricalDays <= 0 {
		req.HistoricalDays = defaultHistoryDays
	}
	req.HistoricalDays = min(req.HistoricalDays, maxHistoryDays)
	if req.ForecastDays <= 0 {
		req.ForecastDays = defaultForecastDays
	}
	req.ForecastDays = min(req.ForecastDays, maxForecastDays)
	return nil
}

// loadReliabilityHistory returns the stats of a target since historicalDays ago, oldest first
func loadReliabilityHistory(ctx context.Context, targetType TargetType, targetID uint, historicalDays int) []ReliabilityStat {
	stats := []ReliabilityStat{}
	if db == nil {
		return stats
	}
	since := clock.Now().UTC().AddDate(0, 0, -historicalDays).Format(dateLayout)
	err := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND period_start >= ?", targetType, targetID, since).
		Order("period_start ASC").
		Find(&stats).Error
	if err != nil {
		log.Error().Err(err).Str("target_type", string(targetType)).Uint("target_id", targetID).Msg("[Forecast] Failed to load reliability history")
		return []ReliabilityStat{}
	}
	return stats
}

// predictReliability forecasts MTTR, MTBF and availability of a target. Each
// metric is forecast independently: one with too little data is left nil
// while the others are still returned.
func predictReliability(ctx context.Context, req ForecastRequest) (*ReliabilityForecast, error) {
	if err := normalizeForecastRequest(&req); err != nil {
		return nil, err
	}

	historical := loadReliabilityHistory(ctx, req.TargetType, req.TargetID, req.HistoricalDays)
	result := &ReliabilityForecast{
		Historical:  historical,
		Predictions: []ReliabilityPrediction{},
		TrendAnalysis: TrendAnalysis{
			MTTR:         MetricTrend{Trend: TrendStable},
			MTBF:         MetricTrend{Trend: TrendStable},
			Availability: MetricTrend{Trend: TrendStable},
			Overall:      TrendStable,
		},
	}
	if len(historical) < minForecastPoints {
		return result, nil
	}

	var mttrValues, mtbfValues, availValues []float64
	for _, h := range historical {
		if h.MTTR != nil {
			mttrValues = append(mttrValues, *h.MTTR)
		}
		if h.MTBF != nil {
			mtbfValues = append(mtbfValues, *h.MTBF)
		}
		if h.Availability != nil {
			availValues = append(availValues, *h.Availability)
		}
	}

	lastDate, err := time.Parse(dateLayout, historical[len(historical)-1].PeriodStart)
	if err != nil {
		lastDate = clock.Now().UTC()
	}
	dateAt := func(step int) string { return lastDate.AddDate(0, 0, step+1).Format(dateLayout) }
	z := zScoreFor(settings.Forecast.ConfidenceLevel)
	higher, lower := true, false

	type metricJob struct {
		values         []float64
		higherIsBetter *bool
		clamp          func(float64) float64
		trend          *MetricTrend
		points         *[]ForecastPoint
	}
	var mttrPoints, mtbfPoints, availPoints []ForecastPoint
	jobs := []metricJob{
		{mttrValues, &lower, clampNonNegative, &result.TrendAnalysis.MTTR, &mttrPoints},
		{mtbfValues, &higher, clampNonNegative, &result.TrendAnalysis.MTBF, &mtbfPoints},
		{availValues, &higher, clampFraction, &result.TrendAnalysis.Availability, &availPoints},
	}

	// Each metric is a pure function of its own series
	var g errgroup.Group
	g.SetLimit(settings.Forecast.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			*job.trend = analyzeMetric(job.values, req.HistoricalDays, job.higherIsBetter)
			*job.points = forecastSeries(job.values, req.ForecastDays, z, job.trend.Trend, job.clamp, dateAt)
			return nil
		})
	}
	_ = g.Wait()

	ta := &result.TrendAnalysis
	ta.Overall = overallTrend(ta.MTTR.Trend, ta.MTBF.Trend, ta.Availability.Trend)

	pick := func(points []ForecastPoint, i int) *ForecastPoint {
		if points == nil {
			return nil
		}
		p := points[i]
		return &p
	}

	for i := 0; i < req.ForecastDays; i++ {
		pred := ReliabilityPrediction{
			Date:         dateAt(i),
			MTTR:         pick(mttrPoints, i),
			MTBF:         pick(mtbfPoints, i),
			Availability: pick(availPoints, i),
			Trend:        ta.Overall,
		}
		pred.Confidence = minConfidence(pred.MTTR, pred.MTBF, pred.Availability)
		result.Predictions = append(result.Predictions, pred)
	}

	log.Debug().Str("target_type", string(req.TargetType)).Uint("target_id", req.TargetID).
		Int("historical", len(historical)).Int("forecast_days", req.ForecastDays).Str("trend", string(ta.Overall)).
		Msg("[Forecast] Reliability forecast computed")
	return result, nil
}

// minConfidence is the weakest confidence among the metrics that were forecast
func minConfidence(points ...*ForecastPoint) float64 {
	conf := math.Inf(1)
	for _, p := range points {
		if p != nil {
			conf = math.Min(conf, p.Confidence)
		}
	}
	if math.IsInf(conf, 1) {
		return 0
	}
	return conf
}

// forecastDevice forecasts the daily average of a device from its daily aggregates
func forecastDevice(ctx context.Context, deviceID uint, historicalDays, forecastDays int) DeviceForecast {
	if historicalDays <= 0 {
		historicalDays = defaultHistoryDays
	}
	historicalDays = min(historicalDays, maxHistoryDays)
	if forecastDays <= 0 {
		forecastDays = defaultForecastDays
	}
	forecastDays = min(forecastDays, maxForecastDays)

	now := nowMillis()
	daily := queryDailyAggregates(ctx, deviceID, dayBucketOf(now)-int64(historicalDays)*dayMillis, now)

	result := DeviceForecast{
		DeviceID:    deviceID,
		Historical:  make([]SeriesPoint, 0, len(daily)),
		Predictions: []ForecastPoint{},
		Trend:       MetricTrend{Trend: TrendStable},
	}
	values := make([]float64, 0, len(daily))
	for _, d := range daily {
		result.Historical = append(result.Historical, SeriesPoint{Timestamp: d.DayBucket, Value: d.Avg})
		values = append(values, d.Avg)
	}
	if len(values) < minForecastPoints {
		return result
	}

	result.Trend = analyzeMetric(values, historicalDays, nil)
	last := daily[len(daily)-1].DayBucket
	dateAt := func(step int) string {
		return time.UnixMilli(last + int64(step+1)*dayMillis).UTC().Format(dateLayout)
	}
	result.Predictions = forecastSeries(values, forecastDays, zScoreFor(settings.Forecast.ConfidenceLevel),
		result.Trend.Trend, clampNonNegative, dateAt)
	return result
}

// recordReliabilityStat upserts the MTTR/MTBF figures of one target-day
func recordReliabilityStat(ctx context.Context, stat ReliabilityStat) (*ReliabilityStat, error) {
	switch stat.TargetType {
	case TargetDevice, TargetMachine, TargetProductionLine:
	default:
		return nil, fmt.Errorf("unknown targetType %q", stat.TargetType)
	}
	if stat.TargetID == 0 {
		return nil, fmt.Errorf("targetId is required")
	}
	if _, err := time.Parse(dateLayout, stat.PeriodStart); err != nil {
		return nil, fmt.Errorf("periodStart must be YYYY-MM-DD: %w", err)
	}
	if db == nil {
		return nil, errStoreUnavailable
	}

	stat.ID = 0
	err := db.WithContext(ctx).Clauses(reliabilityUpsert).Create(&stat).Error
	if err != nil {
		log.Error().Err(err).Str("target_type", string(stat.TargetType)).Uint("target_id", stat.TargetID).Msg("[Forecast] Failed to store reliability stat")
		return nil, fmt.Errorf("failed to store reliability stat: %w", err)
	}
	return &stat, nil
}
