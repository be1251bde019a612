// Package catalog is the static table of metric types that can back an
// attribute. Each entry fixes the composite value schema, the measurement
// kind the type accepts and the construction parameters it needs, so that
// definitions can be validated before any attribute exists.
package catalog

import (
	"github.com/c360/attrstream/event"
)

// Type is a metric type token as written in attribute definitions
type Type string

// Metric type tokens
const (
	Gauge64          Type = "gauge64"
	GaugeFP          Type = "gaugeFP"
	Flag             Type = "flag"
	StringGauge      Type = "stringGauge"
	Timer            Type = "timer"
	RangedFP         Type = "rangedFP"
	RangedTimer      Type = "rangedTimer"
	Arrivals         Type = "arrivals"
	NotificationRate Type = "notificationRate"
)

// ParamClass describes the extra construction parameters a type requires
type ParamClass int

const (
	// ParamsNone needs nothing beyond the definition
	ParamsNone ParamClass = iota
	// ParamsNumericBounds needs float "from" and "to" bounds
	ParamsNumericBounds
	// ParamsDurationBounds needs duration "from" and "to" bounds
	ParamsDurationBounds
	// ParamsChannels takes an optional positive "channels" hint
	ParamsChannels
)

// Entry is one row of the catalog
type Entry struct {
	Type        Type
	Accepts     event.Kind
	Params      ParamClass
	Schema      Schema
	Description string
}

// Ranged reports whether the type is bounded to a configured interval
func (e Entry) Ranged() bool {
	return e.Params == ParamsNumericBounds || e.Params == ParamsDurationBounds
}

var (
	gaugeIntSchema = Schema{
		{"value", FieldInteger}, {"min", FieldInteger}, {"max", FieldInteger},
		{"mean", FieldFloat}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	gaugeFloatSchema = Schema{
		{"value", FieldFloat}, {"min", FieldFloat}, {"max", FieldFloat},
		{"mean", FieldFloat}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	flagSchema = Schema{
		{"value", FieldBoolean}, {"trueCount", FieldInteger}, {"falseCount", FieldInteger},
		{"ratio", FieldFloat}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	stringSchema = Schema{
		{"value", FieldString}, {"first", FieldString}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	timerSchema = Schema{
		{"last", FieldDuration}, {"min", FieldDuration}, {"max", FieldDuration},
		{"mean", FieldDuration}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	rangedFloatSchema = Schema{
		{"value", FieldFloat}, {"lessThanRange", FieldFloat}, {"inRange", FieldFloat},
		{"greaterThanRange", FieldFloat}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	rangedTimerSchema = Schema{
		{"last", FieldDuration}, {"lessThanRange", FieldFloat}, {"inRange", FieldFloat},
		{"greaterThanRange", FieldFloat}, {"rate", FieldFloat}, {"count", FieldInteger},
	}
	arrivalsSchema = Schema{
		{"rate", FieldFloat}, {"count", FieldInteger}, {"meanInterval", FieldDuration},
		{"minInterval", FieldDuration}, {"maxInterval", FieldDuration},
		{"channels", FieldInteger}, {"ratePerChannel", FieldFloat},
	}
	notificationSchema = Schema{
		{"rate", FieldFloat}, {"count", FieldInteger},
	}
)

// entries is ordered; Types returns tokens in this order.
var entries = []Entry{
	{Gauge64, event.KindInteger, ParamsNone, gaugeIntSchema, "rated integer gauge"},
	{GaugeFP, event.KindFloat, ParamsNone, gaugeFloatSchema, "rated floating-point gauge"},
	{Flag, event.KindBoolean, ParamsNone, flagSchema, "rated boolean flag"},
	{StringGauge, event.KindString, ParamsNone, stringSchema, "rated string gauge"},
	{Timer, event.KindDuration, ParamsNone, timerSchema, "rated timer"},
	{RangedFP, event.KindFloat, ParamsNumericBounds, rangedFloatSchema, "floating-point gauge bounded to a range"},
	{RangedTimer, event.KindDuration, ParamsDurationBounds, rangedTimerSchema, "timer bounded to a range"},
	{Arrivals, event.KindAny, ParamsChannels, arrivalsSchema, "event arrival timing"},
	{NotificationRate, event.KindAny, ParamsNone, notificationSchema, "event rate"},
}

var byToken = func() map[Type]Entry {
	m := make(map[Type]Entry, len(entries))
	for _, e := range entries {
		m[e.Type] = e
	}
	return m
}()

// Lookup returns the catalog entry for a token
func Lookup(token string) (Entry, bool) {
	e, ok := byToken[Type(token)]
	return e, ok
}

// MustLookup returns the entry for a known type and panics otherwise. It is
// meant for package-level wiring where the token is a constant.
func MustLookup(t Type) Entry {
	e, ok := byToken[t]
	if !ok {
		panic("catalog: unknown metric type " + string(t))
	}
	return e
}

// Types returns every token in catalog order
func Types() []Type {
	out := make([]Type, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}
