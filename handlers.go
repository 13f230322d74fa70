package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// newRouter wires the HTTP API over the engine operations
func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors)

	r.Route("/api", func(r chi.Router) {
		r.Post("/samples", apiInsertSample)
		r.Post("/samples/batch", apiInsertBatch)
		r.Get("/samples", apiQueryRange)

		r.Get("/aggregates/hourly", apiHourlyAggregates)
		r.Get("/aggregates/daily", apiDailyAggregates)
		r.Post("/aggregates/hourly", apiComputeHourly)
		r.Post("/aggregates/daily", apiComputeDaily)
		r.Get("/downsample", apiDownsample)

		r.Get("/devices/{id}/statistics", apiDeviceStatistics)
		r.Get("/devices/{id}/forecast", apiDeviceForecast)
		r.Post("/reliability", apiRecordReliability)
		r.Post("/forecast", apiPredictReliability)

		r.Get("/rules", apiListRules)
		r.Post("/rules", apiCreateRule)
		r.Put("/rules/{id}", apiUpdateRule)
		r.Delete("/rules/{id}", apiDeleteRule)
		r.Get("/metric-sources", apiListMetricNames)

		r.Post("/alerts/evaluate", apiEvaluateAlerts)
		r.Get("/alerts", apiListAlerts)
		r.Get("/alerts/stats", apiAlertStats)
		r.Post("/alerts/{id}/resolve", apiResolveAlert)

		r.Get("/events", apiSSE)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// requestLogger logs every request with its status and latency
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		ev := log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).Dur("took", time.Since(start)).Msg("[API] Request served")
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("[API] Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errInvalidSample), errors.Is(err, errInvalidRule), errors.Is(err, errUnknownMetric), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, errRuleNotFound), errors.Is(err, errAlertNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	log.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("[API] Request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, badRequest("invalid id %q", raw)
	}
	return uint(id), nil
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v, err := queryInt64(r, name, int64(def))
	return int(v), err
}

// rangeParams reads deviceId, startTime and endTime. endTime defaults to now and
// startTime to 24h before endTime.
func rangeParams(r *http.Request) (deviceID uint, start, end int64, err error) {
	id, err := queryInt64(r, "deviceId", 0)
	if err != nil {
		return 0, 0, 0, err
	}
	if id <= 0 {
		return 0, 0, 0, badRequest("deviceId is required")
	}
	end, err = queryInt64(r, "endTime", nowMillis())
	if err != nil {
		return 0, 0, 0, err
	}
	start, err = queryInt64(r, "startTime", end-dayMillis)
	if err != nil {
		return 0, 0, 0, err
	}
	if end < start {
		return 0, 0, 0, badRequest("endTime must not be before startTime")
	}
	return uint(id), start, end, nil
}

func apiInsertSample(w http.ResponseWriter, r *http.Request) {
	var in SampleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	sample, err := insertSample(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sample)
}

func apiInsertBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result := insertBatch(r.Context(), decodeSampleInputs(req.Data))
	log.Info().Int("synced", result.Synced).Int("failed", result.Failed).Msg("[API] POST /api/samples/batch")
	writeJSON(w, http.StatusOK, result)
}

func apiQueryRange(w http.ResponseWriter, r *http.Request) {
	deviceID, start, end, err := rangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryRange(r.Context(), deviceID, start, end, limit))
}

func apiHourlyAggregates(w http.ResponseWriter, r *http.Request) {
	deviceID, start, end, err := rangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryHourlyAggregates(r.Context(), deviceID, start, end))
}

func apiDailyAggregates(w http.ResponseWriter, r *http.Request) {
	deviceID, start, end, err := rangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryDailyAggregates(r.Context(), deviceID, start, end))
}

type computeRequest struct {
	DeviceID uint  `json:"deviceId"`
	Bucket   int64 `json:"bucket"`
}

func decodeCompute(r *http.Request) (computeRequest, error) {
	var req computeRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	if req.DeviceID == 0 {
		return req, badRequest("deviceId is required")
	}
	return req, nil
}

func apiComputeHourly(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCompute(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agg, err := computeHourlyAggregate(r.Context(), req.DeviceID, req.Bucket)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// null body: the bucket holds no samples
	writeJSON(w, http.StatusOK, agg)
}

func apiComputeDaily(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCompute(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	agg, err := computeDailyAggregate(r.Context(), req.DeviceID, req.Bucket)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func apiDownsample(w http.ResponseWriter, r *http.Request) {
	deviceID, start, end, err := rangeParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := queryInt(r, "targetPoints", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, downsample(r.Context(), deviceID, start, end, target))
}

func apiDeviceStatistics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	timeRange := r.URL.Query().Get("range")
	if timeRange == "" {
		timeRange = "24h"
	}
	writeJSON(w, http.StatusOK, deviceStatistics(r.Context(), id, timeRange))
}

func apiDeviceForecast(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	historical, err := queryInt(r, "historicalDays", defaultHistoryDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	horizon, err := queryInt(r, "forecastDays", defaultForecastDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecastDevice(r.Context(), id, historical, horizon))
}

func apiRecordReliability(w http.ResponseWriter, r *http.Request) {
	var stat ReliabilityStat
	if err := decodeBody(r, &stat); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := recordReliabilityStat(r.Context(), stat)
	if err != nil {
		if !errors.Is(err, errStoreUnavailable) {
			err = badRequest("%v", err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func apiPredictReliability(w http.ResponseWriter, r *http.Request) {
	var req ForecastRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := predictReliability(r.Context(), req)
	if err != nil {
		writeError(w, r, badRequest("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func apiListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listRules(r.Context()))
}

func apiCreateRule(w http.ResponseWriter, r *http.Request) {
	var in RuleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := createRule(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func apiUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in RuleInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := updateRule(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func apiDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := deleteRule(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func apiListMetricNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricRegistry.Names())
}

func apiEvaluateAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, evaluateAllRules(r.Context()))
}

func apiListAlerts(w http.ResponseWriter, r *http.Request) {
	status := AlertStatus(r.URL.Query().Get("status"))
	switch status {
	case "", AlertActive, AlertResolved:
	default:
		writeError(w, r, badRequest("unknown status %q", status))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listAlerts(r.Context(), status, limit))
}

func apiAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getAlertStats())
}

func apiResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	event, err := resolveAlert(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

const sseKeepalive = 30 * time.Second

// apiSSE streams alert events and stats updates as Server-Sent Events
func apiSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.NewString()
	client := sseBroadcaster.addClient(clientID)
	defer sseBroadcaster.removeClient(clientID)

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	messageCount := 0
	startTime := time.Now()
	for {
		select {
		case message, ok := <-client.Send:
			if !ok {
				return
			}
			messageCount++
			fmt.Fprintf(w, "data: %s\n\n", message)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			log.Info().Str("client_id", clientID).Dur("duration", time.Since(startTime)).
				Int("messages", messageCount).Msg("[SSE] Client stream closed")
			return
		}
	}
}
