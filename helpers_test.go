package main

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testNow is the fixed start time of the fake clock: Monday 2025-03-10 12:00 UTC
var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// setupTestDB attaches a fresh in-memory store, a fake clock at testNow and
// default settings. Everything is restored when the test ends.
func setupTestDB(t *testing.T) {
	t.Helper()

	gdb, err := openDatabase(":memory:")
	require.NoError(t, err)

	prevDB, prevClock, prevSettings, prevRegistry := db, clock, settings, metricRegistry
	db = gdb
	clock = clockwork.NewFakeClockAt(testNow)
	settings = defaultSettings()
	metricRegistry = newProviderRegistry()
	registerDefaultProviders(metricRegistry)

	t.Cleanup(func() {
		stopStatsDebouncer()
		closeDB()
		db, clock, settings, metricRegistry = prevDB, prevClock, prevSettings, prevRegistry
	})
}

// advanceClock moves the fake clock forward
func advanceClock(t *testing.T, d time.Duration) {
	t.Helper()
	fc, ok := clock.(interface{ Advance(time.Duration) })
	require.True(t, ok, "clock is not a fake clock")
	fc.Advance(d)
}

// seedSamples stores one good-quality sample per value, starting at start and
// spaced by step milliseconds
func seedSamples(t *testing.T, deviceID uint, start, step int64, values ...float64) {
	t.Helper()
	rows := make([]Sample, 0, len(values))
	for i, v := range values {
		ts := start + int64(i)*step
		rows = append(rows, Sample{
			DeviceID:   deviceID,
			Timestamp:  ts,
			HourBucket: hourBucketOf(ts),
			Value:      v,
			Quality:    QualityGood,
			SourceType: SourceDirect,
		})
	}
	require.NoError(t, db.CreateInBatches(rows, 500).Error)
}

func floatPtr(v float64) *float64 { return &v }
