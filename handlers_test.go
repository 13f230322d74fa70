package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIBatchIngest(t *testing.T) {
	setupTestDB(t)
	h := newRouter()

	rec := doRequest(t, h, http.MethodPost, "/api/samples/batch", `{"data":[
		{"deviceId":1,"value":10.5,"timestamp":1741600000000},
		{"deviceId":1,"value":"oops"},
		{"deviceId":1,"value":11}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
}

func TestAPIBatchIngestIsolatesBadDeviceIDs(t *testing.T) {
	setupTestDB(t)
	h := newRouter()

	rec := doRequest(t, h, http.MethodPost, "/api/samples/batch", `{"data":[
		{"deviceId":1,"value":1},
		{"deviceId":1,"value":2},
		{"deviceId":"abc","value":3},
		{"deviceId":1,"value":4},
		{"deviceId":1,"value":5}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 4, result.Synced)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 2, result.Errors[0].Index)

	// Negative, fractional and non-object records fail on their own too
	rec = doRequest(t, h, http.MethodPost, "/api/samples/batch", `{"data":[
		{"deviceId":-1,"value":1},
		{"deviceId":1.5,"value":1},
		"sample",
		{"deviceId":2,"value":1}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 3, result.Failed)

	var stored int64
	require.NoError(t, db.Model(&Sample{}).Count(&stored).Error)
	assert.Equal(t, int64(5), stored)
}

func TestAPIInsertSample(t *testing.T) {
	setupTestDB(t)
	h := newRouter()

	rec := doRequest(t, h, http.MethodPost, "/api/samples", `{"deviceId":2,"value":3.25,"quality":"uncertain"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sample Sample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sample))
	assert.Equal(t, QualityUncertain, sample.Quality)
	assert.Equal(t, testNow.UnixMilli(), sample.Timestamp)

	rec = doRequest(t, h, http.MethodPost, "/api/samples", `{"deviceId":2,"value":null}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/samples", `{"deviceId":"abc","value":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/samples", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIQueryAndDownsample(t *testing.T) {
	setupTestDB(t)
	h := newRouter()
	now := testNow.UnixMilli()
	seedSamples(t, 1, now-10*60_000, 60_000, 1, 2, 3, 4, 5)

	rec := doRequest(t, h, http.MethodGet, "/api/samples?deviceId=1&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var points []DataPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 2)
	assert.Equal(t, 1.0, points[0].Value)

	target := fmt.Sprintf("/api/downsample?deviceId=1&startTime=%d&endTime=%d&targetPoints=2", now-10*60_000, now)
	rec = doRequest(t, h, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var series []SeriesPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.NotEmpty(t, series)
	assert.LessOrEqual(t, len(series), 3)

	rec = doRequest(t, h, http.MethodGet, "/api/samples", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/samples?deviceId=1&startTime=10&endTime=5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIComputeAndStatistics(t *testing.T) {
	setupTestDB(t)
	h := newRouter()
	bucket := hourBucketOf(testNow.UnixMilli())
	seedSamples(t, 4, bucket, 60_000, 5, 7)

	rec := doRequest(t, h, http.MethodPost, "/api/aggregates/hourly", fmt.Sprintf(`{"deviceId":4,"bucket":%d}`, bucket))
	require.Equal(t, http.StatusOK, rec.Code)
	var agg HourlyAggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, 2, agg.Count)
	assert.Equal(t, 6.0, agg.Avg)

	rec = doRequest(t, h, http.MethodPost, "/api/aggregates/hourly", `{"deviceId":4,"bucket":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = doRequest(t, h, http.MethodPost, "/api/aggregates/daily", `{"bucket":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/devices/4/statistics?range=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats DeviceStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	// The second sample lies after the window end
	assert.Equal(t, int64(1), stats.TotalSamples)
	assert.Equal(t, 5.0, stats.Avg)

	rec = doRequest(t, h, http.MethodGet, "/api/devices/abc/statistics", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIRulesLifecycle(t *testing.T) {
	setupTestDB(t)
	h := newRouter()

	rec := doRequest(t, h, http.MethodPost, "/api/rules", `{"name":"Hot","metricType":"device_last:1","operator":">","threshold":90}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "Hot", rule.Name)

	rec = doRequest(t, h, http.MethodPost, "/api/rules", `{"name":"Bad","metricType":"device_last:1","operator":"between","threshold":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPut, fmt.Sprintf("/api/rules/%d", rule.ID), `{"isActive":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.False(t, rule.IsActive)

	rec = doRequest(t, h, http.MethodPut, "/api/rules/999", `{"threshold":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)

	rec = doRequest(t, h, http.MethodDelete, fmt.Sprintf("/api/rules/%d", rule.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, h, http.MethodDelete, fmt.Sprintf("/api/rules/%d", rule.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIEvaluateAndResolve(t *testing.T) {
	setupTestDB(t)
	h := newRouter()
	seedSamples(t, 1, testNow.UnixMilli()-60_000, 1, 120)
	createTestRule(t, AlertRule{Name: "Hot", MetricType: "device_last:1", Operator: OpGreater, Threshold: 100, IsActive: true})

	rec := doRequest(t, h, http.MethodPost, "/api/alerts/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary EvaluationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Triggered)

	rec = doRequest(t, h, http.MethodGet, "/api/alerts?status=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/api/alerts/%d/resolve", events[0].ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved AlertEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, AlertResolved, resolved.Status)

	rec = doRequest(t, h, http.MethodPost, "/api/alerts/999/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/alerts?status=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/alerts/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats AlertStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalAlerts)
	assert.Zero(t, stats.ActiveAlerts)
	assert.NotNil(t, stats.LastEvaluation)
}

func TestAPIForecastEndpoints(t *testing.T) {
	setupTestDB(t)
	h := newRouter()

	for i, day := range []string{"2025-03-07", "2025-03-08", "2025-03-09"} {
		rec := doRequest(t, h, http.MethodPost, "/api/reliability",
			fmt.Sprintf(`{"targetType":"machine","targetId":1,"periodStart":%q,"mtbf":%d}`, day, 100+10*i))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := doRequest(t, h, http.MethodPost, "/api/reliability", `{"targetType":"machine","targetId":1,"periodStart":"yesterday"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/forecast", `{"targetType":"machine","targetId":1,"forecastDays":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var fc ReliabilityForecast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	require.Len(t, fc.Predictions, 2)
	require.NotNil(t, fc.Predictions[0].MTBF)
	assert.InDelta(t, 130.0, fc.Predictions[0].MTBF.PredictedValue, 1e-6)
	assert.Nil(t, fc.Predictions[0].MTTR)

	rec = doRequest(t, h, http.MethodPost, "/api/forecast", `{"targetType":"galaxy","targetId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/devices/3/forecast", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dfc DeviceForecast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dfc))
	assert.Equal(t, uint(3), dfc.DeviceID)
	assert.Empty(t, dfc.Predictions)
}

func TestAPIMetricSources(t *testing.T) {
	setupTestDB(t)
	rec := doRequest(t, newRouter(), http.MethodGet, "/api/metric-sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names, "device_last:*")
	assert.Contains(t, names, "active_alerts")
}

func TestAPIWithoutStore(t *testing.T) {
	prev := db
	db = nil
	t.Cleanup(func() { db = prev })

	rec := doRequest(t, newRouter(), http.MethodPost, "/api/samples", `{"deviceId":1,"value":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
