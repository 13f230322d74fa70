package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog/log"
)

var errInvalidSample = errors.New("invalid sample")

// maxTimestampMillis bounds accepted timestamps to ±100,000,000 days around the epoch
const maxTimestampMillis = 8.64e15

// SampleInput is a raw sample as producers send it. Numeric fields stay untyped
// so one malformed record only fails itself.
type SampleInput struct {
	DeviceID   any    `json:"deviceId"`
	Value      any    `json:"value"`
	Timestamp  any    `json:"timestamp,omitempty"` // epoch ms, defaults to now
	GatewayID  any    `json:"gatewayId,omitempty"`
	SensorType string `json:"sensorType,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Quality    string `json:"quality,omitempty"`
	SourceType string `json:"sourceType,omitempty"`

	decodeErr error
}

// decodeSampleInputs decodes each batch record on its own. A record that is not
// a sample object keeps its decode error and fails during validation.
func decodeSampleInputs(raw []json.RawMessage) []SampleInput {
	inputs := make([]SampleInput, len(raw))
	for i, msg := range raw {
		dec := json.NewDecoder(bytes.NewReader(msg))
		dec.UseNumber()
		if err := dec.Decode(&inputs[i]); err != nil {
			inputs[i] = SampleInput{decodeErr: err}
		}
	}
	return inputs
}

// BatchItemError reports why one record of a batch was rejected
type BatchItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult is the outcome of a batch insert
type BatchResult struct {
	Synced int              `json:"synced"`
	Failed int              `json:"failed"`
	Errors []BatchItemError `json:"errors,omitempty"`
}

// validateSample turns an input into a storable Sample, assigning its hour bucket
func validateSample(in SampleInput, now int64) (Sample, error) {
	if in.decodeErr != nil {
		return Sample{}, fmt.Errorf("%w: %v", errInvalidSample, in.decodeErr)
	}
	if in.DeviceID == nil {
		return Sample{}, fmt.Errorf("%w: deviceId is required", errInvalidSample)
	}
	deviceID, ok := toID(in.DeviceID)
	if !ok {
		return Sample{}, fmt.Errorf("%w: deviceId %v is not a positive integer", errInvalidSample, in.DeviceID)
	}

	var gatewayID *uint
	if in.GatewayID != nil {
		id, ok := toID(in.GatewayID)
		if !ok {
			return Sample{}, fmt.Errorf("%w: gatewayId %v is not a positive integer", errInvalidSample, in.GatewayID)
		}
		gatewayID = &id
	}

	value, ok := toFloat(in.Value)
	if !ok {
		return Sample{}, fmt.Errorf("%w: value %v is not numeric", errInvalidSample, in.Value)
	}

	ts := now
	if in.Timestamp != nil {
		f, ok := toFloat(in.Timestamp)
		if !ok {
			return Sample{}, fmt.Errorf("%w: timestamp %v is not numeric", errInvalidSample, in.Timestamp)
		}
		if math.Abs(f) > maxTimestampMillis {
			return Sample{}, fmt.Errorf("%w: timestamp %v is out of range", errInvalidSample, in.Timestamp)
		}
		ts = int64(f)
	}

	quality := QualityGood
	switch Quality(in.Quality) {
	case "":
	case QualityGood, QualityUncertain, QualityBad:
		quality = Quality(in.Quality)
	default:
		return Sample{}, fmt.Errorf("%w: unknown quality %q", errInvalidSample, in.Quality)
	}

	source := SourceDirect
	switch SourceType(in.SourceType) {
	case "":
	case SourceEdge, SourceDirect, SourceImport:
		source = SourceType(in.SourceType)
	default:
		return Sample{}, fmt.Errorf("%w: unknown sourceType %q", errInvalidSample, in.SourceType)
	}

	return Sample{
		DeviceID:   deviceID,
		GatewayID:  gatewayID,
		Timestamp:  ts,
		HourBucket: hourBucketOf(ts),
		Value:      value,
		SensorType: in.SensorType,
		Unit:       in.Unit,
		Quality:    quality,
		SourceType: source,
	}, nil
}

// toID accepts whole numbers in [1, MaxUint32]
func toID(v any) (uint, bool) {
	f, ok := toFloat(v)
	if !ok || f < 1 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, false
	}
	return uint(f), true
}

// toFloat accepts JSON numbers and Go numeric types, rejecting NaN and Inf
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case json.Number:
		parsed, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// insertSample validates and stores a single sample
func insertSample(ctx context.Context, in SampleInput) (*Sample, error) {
	sample, err := validateSample(in, nowMillis())
	if err != nil {
		samplesIngested.WithLabelValues("failed").Inc()
		return nil, err
	}
	if db == nil {
		samplesIngested.WithLabelValues("failed").Inc()
		return nil, errStoreUnavailable
	}
	if err := db.WithContext(ctx).Create(&sample).Error; err != nil {
		samplesIngested.WithLabelValues("failed").Inc()
		log.Error().Err(err).Uint("device_id", sample.DeviceID).Msg("[Ingest] Failed to store sample")
		return nil, fmt.Errorf("failed to store sample: %w", err)
	}
	samplesIngested.WithLabelValues("synced").Inc()
	return &sample, nil
}

// insertBatch stores every valid sample independently. One bad record never
// aborts the batch; it is counted and reported by index.
func insertBatch(ctx context.Context, inputs []SampleInput) BatchResult {
	var result BatchResult
	now := nowMillis()

	fail := func(i int, err error) {
		result.Failed++
		result.Errors = append(result.Errors, BatchItemError{Index: i, Error: err.Error()})
	}

	for i, in := range inputs {
		sample, err := validateSample(in, now)
		if err != nil {
			fail(i, err)
			continue
		}
		if db == nil {
			fail(i, errStoreUnavailable)
			continue
		}
		if err := db.WithContext(ctx).Create(&sample).Error; err != nil {
			log.Warn().Err(err).Int("index", i).Uint("device_id", sample.DeviceID).Msg("[Ingest] Failed to store batch item")
			fail(i, err)
			continue
		}
		result.Synced++
	}

	samplesIngested.WithLabelValues("synced").Add(float64(result.Synced))
	samplesIngested.WithLabelValues("failed").Add(float64(result.Failed))
	log.Debug().Int("synced", result.Synced).Int("failed", result.Failed).Msg("[Ingest] Batch processed")
	return result
}
