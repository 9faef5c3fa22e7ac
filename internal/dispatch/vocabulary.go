package dispatch

import (
	"encoding/json"
	"math"
	"sort"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/protocol"
)

// Action is a member of the closed command vocabulary.
type Action string

const (
	ActionForward       Action = "forward"
	ActionBackward      Action = "backward"
	ActionLeft          Action = "left"
	ActionRight         Action = "right"
	ActionStop          Action = "stop"
	ActionEmergencyStop Action = "emergency_stop"
	ActionCircle        Action = "circle"
	ActionTriangle      Action = "triangle"
	ActionLove          Action = "love"
	ActionDiamond       Action = "diamond"
	ActionStopPattern   Action = "stop_pattern"
)

// param describes one accepted parameter of an action.
type param struct {
	name    string
	boolean bool
	bound   func(config.CommandLimits) config.Bound
}

var (
	speedParam        = param{name: "speed", bound: func(l config.CommandLimits) config.Bound { return l.Speed }}
	angularSpeedParam = param{name: "angular_speed", bound: func(l config.CommandLimits) config.Bound { return l.AngularSpeed }}
)

var vocabulary = map[Action][]param{
	ActionForward:       {speedParam, angularSpeedParam},
	ActionBackward:      {speedParam, angularSpeedParam},
	ActionLeft:          {speedParam, angularSpeedParam},
	ActionRight:         {speedParam, angularSpeedParam},
	ActionStop:          nil,
	ActionEmergencyStop: nil,
	ActionStopPattern:   nil,
	ActionCircle: {
		{name: "radius", bound: func(l config.CommandLimits) config.Bound { return l.CircleRadius }},
		{name: "duration", bound: func(l config.CommandLimits) config.Bound { return l.CircleDuration }},
		{name: "clockwise", boolean: true},
	},
	ActionTriangle: {
		{name: "sideLength", bound: func(l config.CommandLimits) config.Bound { return l.TriangleSide }},
		{name: "pauseDuration", bound: func(l config.CommandLimits) config.Bound { return l.TrianglePause }},
	},
	ActionLove: {
		{name: "size", bound: func(l config.CommandLimits) config.Bound { return l.LoveSize }},
		{name: "duration", bound: func(l config.CommandLimits) config.Bound { return l.LoveDuration }},
	},
	ActionDiamond: {
		{name: "sideLength", bound: func(l config.CommandLimits) config.Bound { return l.DiamondSide }},
		{name: "pauseDuration", bound: func(l config.CommandLimits) config.Bound { return l.DiamondPause }},
	},
}

// Actions lists the vocabulary in a stable order.
func Actions() []Action {
	out := make([]Action, 0, len(vocabulary))
	for a := range vocabulary {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsMotion reports whether the action moves the robot.
func (a Action) IsMotion() bool {
	switch a {
	case ActionStop, ActionEmergencyStop, ActionStopPattern:
		return false
	}
	_, ok := vocabulary[a]
	return ok
}

// Normalize validates params for action against limits and returns a new map
// holding every accepted parameter, with defaults filled in.
func Normalize(action Action, params map[string]any, limits config.CommandLimits) (map[string]any, error) {
	defs, ok := vocabulary[action]
	if !ok {
		return nil, protocol.Errorf(protocol.KindInvalidCommand, "unknown action %q", action)
	}

	known := make(map[string]param, len(defs))
	for _, p := range defs {
		known[p.name] = p
	}
	for name := range params {
		if _, ok := known[name]; !ok {
			return nil, protocol.Errorf(protocol.KindInvalidCommand, "%s does not accept parameter %q", action, name)
		}
	}

	out := make(map[string]any, len(defs))
	for _, p := range defs {
		raw, present := params[p.name]

		if p.boolean {
			if !present {
				out[p.name] = true
				continue
			}
			b, ok := raw.(bool)
			if !ok {
				return nil, protocol.Errorf(protocol.KindInvalidCommand, "%s.%s must be a boolean", action, p.name)
			}
			out[p.name] = b
			continue
		}

		bound := p.bound(limits)
		if !present {
			out[p.name] = bound.Default
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			return nil, protocol.Errorf(protocol.KindInvalidCommand, "%s.%s must be a number", action, p.name)
		}
		if !bound.Contains(v) {
			return nil, protocol.Errorf(protocol.KindInvalidCommand, "%s.%s=%v outside [%v, %v]", action, p.name, v, bound.Min, bound.Max)
		}
		out[p.name] = v
	}
	return out, nil
}

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
	case json.Number:
		parsed, err := n.Float64()
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
