package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanOldData(t *testing.T) {
	setupTestDB(t)
	now := testNow.UnixMilli()

	seedSamples(t, 1, now-31*dayMillis, 1, 1)
	seedSamples(t, 1, now-29*dayMillis, 1, 2)
	require.NoError(t, db.Create(&[]HourlyAggregate{
		{DeviceID: 1, HourBucket: hourBucketOf(now - 400*dayMillis), Count: 1},
		{DeviceID: 1, HourBucket: hourBucketOf(now - 10*dayMillis), Count: 1},
	}).Error)
	require.NoError(t, db.Create(&DailyAggregate{DeviceID: 1, DayBucket: dayBucketOf(now - 900*dayMillis), Count: 1}).Error)

	result := cleanOldData(context.Background())
	assert.Equal(t, CleanupResult{Samples: 1, Hourly: 1}, result)

	var samples, daily int64
	require.NoError(t, db.Model(&Sample{}).Count(&samples).Error)
	require.NoError(t, db.Model(&DailyAggregate{}).Count(&daily).Error)
	assert.Equal(t, int64(1), samples)
	assert.Equal(t, int64(1), daily, "daily aggregates are never purged")
}

func TestCleanOldDataDisabledTiers(t *testing.T) {
	setupTestDB(t)
	settings.Retention.RawDays = 0
	settings.Retention.HourlyDays = -1
	seedSamples(t, 1, 0, 1, 1)

	assert.Equal(t, CleanupResult{}, cleanOldData(context.Background()))
}
