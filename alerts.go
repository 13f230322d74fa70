package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var errAlertNotFound = errors.New("alert not found")

// ruleLocks serializes evaluations of the same rule across overlapping cycles
var ruleLocks = newKeyedMutex()

// lastCycleAt is the start time of the most recent evaluation pass
var lastCycleAt atomic.Time

// RuleState is the hysteresis state of one rule between evaluations
type RuleState struct {
	ConsecutiveBreaches int
	LastTriggeredAt     *time.Time
	TotalTriggers       int
}

func stateOf(rule AlertRule) RuleState {
	return RuleState{
		ConsecutiveBreaches: rule.CurrentConsecutiveBreaches,
		LastTriggeredAt:     rule.LastTriggeredAt,
		TotalTriggers:       rule.TotalTriggers,
	}
}

// conditionBreached applies the rule operator. Unknown operators and a missing
// upper bound for range operators never breach.
func conditionBreached(value float64, op Operator, threshold float64, thresholdMax *float64) bool {
	switch op {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	case OpBetween:
		if thresholdMax == nil {
			return false
		}
		return threshold <= value && value <= *thresholdMax
	case OpNotBetween:
		if thresholdMax == nil {
			return false
		}
		return !(threshold <= value && value <= *thresholdMax)
	default:
		return false
	}
}

// inCooldown reports whether the rule fired less than cooldownMinutes ago
func inCooldown(rule AlertRule, state RuleState, now time.Time) bool {
	if state.LastTriggeredAt == nil || rule.CooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*state.LastTriggeredAt) < time.Duration(rule.CooldownMinutes)*time.Minute
}

// evaluateRule computes the next hysteresis state for one observed value.
// A breach increments the counter; reaching the required count outside the
// cooldown window fires and resets the counter. A non-breach resets the counter.
func evaluateRule(rule AlertRule, state RuleState, value float64, now time.Time) (RuleState, bool) {
	next := state
	if !conditionBreached(value, rule.Operator, rule.Threshold, rule.ThresholdMax) {
		next.ConsecutiveBreaches = 0
		return next, false
	}

	next.ConsecutiveBreaches++
	required := max(rule.ConsecutiveBreachesRequired, 1)
	if next.ConsecutiveBreaches < required || inCooldown(rule, state, now) {
		return next, false
	}

	fired := now
	next.LastTriggeredAt = &fired
	next.TotalTriggers++
	next.ConsecutiveBreaches = 0
	return next, true
}

// alertMessage describes a firing in one line
func alertMessage(rule AlertRule, value float64) string {
	v := strconv.FormatFloat(value, 'g', -1, 64)
	t := strconv.FormatFloat(rule.Threshold, 'g', -1, 64)
	switch rule.Operator {
	case OpBetween, OpNotBetween:
		hi := "?"
		if rule.ThresholdMax != nil {
			hi = strconv.FormatFloat(*rule.ThresholdMax, 'g', -1, 64)
		}
		return fmt.Sprintf("%s: %s = %s %s [%s, %s]", rule.Name, rule.MetricType, v, rule.Operator, t, hi)
	default:
		return fmt.Sprintf("%s: %s = %s %s %s", rule.Name, rule.MetricType, v, rule.Operator, t)
	}
}

// RuleResult is the outcome of evaluating one rule in a cycle
type RuleResult struct {
	RuleID    uint     `json:"ruleId"`
	RuleName  string   `json:"ruleName"`
	Triggered bool     `json:"triggered"`
	Value     *float64 `json:"value"`
	Error     string   `json:"error,omitempty"`
}

// EvaluationSummary aggregates one pass over the active rules. Evaluated counts
// every attempted rule; Errors is the subset that could not produce a value.
type EvaluationSummary struct {
	CycleID   string       `json:"cycleId"`
	Evaluated int          `json:"evaluated"`
	Triggered int          `json:"triggered"`
	Errors    int          `json:"errors"`
	Results   []RuleResult `json:"results"`
}

// evaluateAllRules runs one pass over all active rules. Rules run in parallel up
// to alerts.workers; each rule is serialized against itself. Once ctx is done no
// new rule starts, but a started rule completes.
func evaluateAllRules(ctx context.Context) EvaluationSummary {
	summary := EvaluationSummary{CycleID: uuid.NewString(), Results: []RuleResult{}}
	if db == nil {
		log.Warn().Str("cycle_id", summary.CycleID).Msg("[Alerts] Store unavailable, skipping evaluation")
		return summary
	}

	start := clock.Now().UTC()
	lastCycleAt.Store(start)

	var rules []AlertRule
	if err := db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&rules).Error; err != nil {
		log.Error().Err(err).Str("cycle_id", summary.CycleID).Msg("[Alerts] Failed to load active rules")
		return summary
	}

	results := make([]RuleResult, len(rules))
	launched := 0
	var g errgroup.Group
	g.SetLimit(settings.Alerts.Workers)
	for i := range rules {
		if ctx.Err() != nil {
			log.Info().Str("cycle_id", summary.CycleID).Int("remaining", len(rules)-i).Msg("[Alerts] Evaluation cancelled, stopping after in-flight rules")
			break
		}
		launched++
		rule := rules[i]
		g.Go(func() error {
			results[i] = evaluateOne(context.WithoutCancel(ctx), rule)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results[:launched] {
		summary.Evaluated++
		switch {
		case r.Error != "":
			summary.Errors++
			rulesEvaluated.WithLabelValues("error").Inc()
		case r.Triggered:
			summary.Triggered++
			rulesEvaluated.WithLabelValues("triggered").Inc()
		default:
			rulesEvaluated.WithLabelValues("ok").Inc()
		}
	}
	summary.Results = results[:launched]

	log.Info().Str("cycle_id", summary.CycleID).
		Int("evaluated", summary.Evaluated).Int("triggered", summary.Triggered).Int("errors", summary.Errors).
		Dur("took", clock.Since(start)).
		Msg("[Alerts] Evaluation cycle completed")

	if summary.Triggered > 0 {
		broadcastAlertStatsIfChanged()
	}
	return summary
}

// evaluateOne fetches the rule's metric and applies one hysteresis step inside a
// transaction. The value is read before the transaction since providers use the
// same single-connection store.
func evaluateOne(ctx context.Context, rule AlertRule) RuleResult {
	result := RuleResult{RuleID: rule.ID, RuleName: rule.Name}

	var value float64
	var valueErr error
	provider, err := metricRegistry.Lookup(rule.MetricType)
	if err != nil {
		valueErr = err
	} else {
		value, valueErr = provider.Value(ctx)
	}

	unlock := ruleLocks.Lock(strconv.FormatUint(uint64(rule.ID), 10))
	defer unlock()

	now := clock.Now().UTC()
	var event *AlertEvent
	var resolved int64

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Reload so overlapping cycles see each other's writes
		var current AlertRule
		if err := tx.First(&current, rule.ID).Error; err != nil {
			return err
		}
		if !current.IsActive {
			return fmt.Errorf("rule %d was deactivated", rule.ID)
		}

		if valueErr != nil {
			return tx.Model(&AlertRule{}).Where("id = ?", current.ID).
				Update("last_evaluated_at", now).Error
		}

		next, fired := evaluateRule(current, stateOf(current), value, now)
		updates := map[string]any{
			"current_consecutive_breaches": next.ConsecutiveBreaches,
			"last_triggered_at":            next.LastTriggeredAt,
			"total_triggers":               next.TotalTriggers,
			"last_evaluated_at":            now,
		}
		if err := tx.Model(&AlertRule{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
			return err
		}

		if fired {
			event = &AlertEvent{
				RuleID:       current.ID,
				RuleName:     current.Name,
				MetricType:   current.MetricType,
				CurrentValue: value,
				Threshold:    current.Threshold,
				ThresholdMax: current.ThresholdMax,
				Operator:     current.Operator,
				Severity:     current.Severity,
				Status:       AlertActive,
				Message:      alertMessage(current, value),
				TriggeredAt:  now,
			}
			return tx.Create(event).Error
		}

		if !conditionBreached(value, current.Operator, current.Threshold, current.ThresholdMax) {
			res := tx.Model(&AlertEvent{}).
				Where("rule_id = ? AND status = ?", current.ID, AlertActive).
				Updates(map[string]any{"status": AlertResolved, "resolved_at": now})
			resolved = res.RowsAffected
			return res.Error
		}
		return nil
	})

	switch {
	case err != nil:
		log.Error().Err(err).Uint("rule_id", rule.ID).Msg("[Alerts] Failed to persist rule evaluation")
		result.Error = err.Error()
		return result
	case valueErr != nil:
		log.Warn().Err(valueErr).Uint("rule_id", rule.ID).Str("metric", rule.MetricType).Msg("[Alerts] Metric unavailable")
		result.Error = valueErr.Error()
		return result
	}

	result.Value = &value
	if event != nil {
		result.Triggered = true
		alertsTriggered.WithLabelValues(event.Severity).Inc()
		log.Info().Uint("rule_id", rule.ID).Uint("event_id", event.ID).Str("severity", event.Severity).
			Float64("value", value).Msg("[Alerts] 🚨 " + event.Message)
		publishAlertEvent("alert_triggered", event)
	}
	if resolved > 0 {
		log.Info().Uint("rule_id", rule.ID).Int64("resolved", resolved).Msg("[Alerts] Condition cleared, resolved active alerts")
		broadcastUpdate("alerts_resolved", map[string]any{"ruleId": rule.ID, "count": resolved})
		broadcastAlertStatsIfChanged()
	}
	return result
}

// resolveAlert marks an event resolved. Resolving an already resolved event is a no-op.
func resolveAlert(ctx context.Context, id uint) (*AlertEvent, error) {
	if db == nil {
		return nil, errStoreUnavailable
	}
	var event AlertEvent
	if err := db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errAlertNotFound
		}
		return nil, err
	}
	if event.Status == AlertResolved {
		return &event, nil
	}

	now := clock.Now().UTC()
	event.Status = AlertResolved
	event.ResolvedAt = &now
	err := db.WithContext(ctx).Model(&AlertEvent{}).Where("id = ?", id).
		Updates(map[string]any{"status": AlertResolved, "resolved_at": now}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	log.Info().Uint("event_id", id).Uint("rule_id", event.RuleID).Msg("[Alerts] Alert resolved manually")
	publishAlertEvent("alert_resolved", &event)
	broadcastAlertStatsIfChanged()
	return &event, nil
}

// listAlerts returns alert history, newest first. status may be empty.
func listAlerts(ctx context.Context, status AlertStatus, limit int) []AlertEvent {
	events := []AlertEvent{}
	if db == nil {
		return events
	}
	q := db.WithContext(ctx).Order("triggered_at DESC, id DESC").Limit(clampLimit(limit))
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&events).Error; err != nil {
		log.Error().Err(err).Msg("[Alerts] Failed to list alerts")
		return []AlertEvent{}
	}
	return events
}
