package main

import (
	"context"

	"github.com/rs/zerolog/log"
)

// CleanupResult counts the rows removed by one retention pass
type CleanupResult struct {
	Samples int64 `json:"samples"`
	Hourly  int64 `json:"hourly"`
}

// cleanOldData removes raw samples older than retention.raw_days and hourly
// aggregates older than retention.hourly_days. Daily aggregates, rules and alert
// history are kept. A non-positive retention disables that tier.
func cleanOldData(ctx context.Context) CleanupResult {
	var result CleanupResult
	if db == nil {
		log.Warn().Msg("[Cleanup] Store unavailable, skipping cleanup")
		return result
	}
	now := nowMillis()

	if days := settings.Retention.RawDays; days > 0 {
		cutoff := now - int64(days)*dayMillis
		log.Info().Int64("cutoff", cutoff).Int("days", days).Msg("[Cleanup] Starting cleanup of raw samples")
		res := db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&Sample{})
		if res.Error != nil {
			log.Error().Err(res.Error).Msg("[Cleanup] Failed to clean old samples")
		} else {
			result.Samples = res.RowsAffected
		}
	}

	if days := settings.Retention.HourlyDays; days > 0 {
		cutoff := hourBucketOf(now - int64(days)*dayMillis)
		log.Info().Int64("cutoff", cutoff).Int("days", days).Msg("[Cleanup] Starting cleanup of hourly aggregates")
		res := db.WithContext(ctx).Where("hour_bucket < ?", cutoff).Delete(&HourlyAggregate{})
		if res.Error != nil {
			log.Error().Err(res.Error).Msg("[Cleanup] Failed to clean old hourly aggregates")
		} else {
			result.Hourly = res.RowsAffected
		}
	}

	log.Info().Int64("samples", result.Samples).Int64("hourly", result.Hourly).Msg("[Cleanup] Successfully deleted expired records")
	return result
}
