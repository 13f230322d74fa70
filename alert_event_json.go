package main

import (
	"github.com/mailru/easyjson/jwriter"
)

// MarshalEasyJSON writes the event without reflection. Alert events are encoded
// once per firing for every SSE subscriber and on every history page.
func (v *AlertEvent) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"id":`)
	w.Uint(v.ID)
	w.RawString(`,"ruleId":`)
	w.Uint(v.RuleID)
	w.RawString(`,"ruleName":`)
	w.String(v.RuleName)
	w.RawString(`,"metricType":`)
	w.String(v.MetricType)
	w.RawString(`,"currentValue":`)
	w.Float64(v.CurrentValue)
	w.RawString(`,"threshold":`)
	w.Float64(v.Threshold)
	if v.ThresholdMax != nil {
		w.RawString(`,"thresholdMax":`)
		w.Float64(*v.ThresholdMax)
	}
	w.RawString(`,"operator":`)
	w.String(string(v.Operator))
	w.RawString(`,"severity":`)
	w.String(v.Severity)
	w.RawString(`,"status":`)
	w.String(string(v.Status))
	w.RawString(`,"message":`)
	w.String(v.Message)
	w.RawString(`,"triggeredAt":`)
	w.Raw(v.TriggeredAt.MarshalJSON())
	if v.ResolvedAt != nil {
		w.RawString(`,"resolvedAt":`)
		w.Raw(v.ResolvedAt.MarshalJSON())
	}
	w.RawByte('}')
}

// MarshalJSON routes encoding/json through the easyjson writer
func (v AlertEvent) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	v.MarshalEasyJSON(&w)
	return w.BuildBytes()
}
