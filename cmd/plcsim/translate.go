package main

import (
	"fmt"
	"time"

	"github.com/plcsim/plcsim/internal/memimage"
	"github.com/plcsim/plcsim/internal/plcconfig"
	"github.com/plcsim/plcsim/internal/sim"
)

// translateSimRecord converts one config-loader simulation record into the
// sim package's runtime Config, resolving the function family's
// loosely-typed YAML params into FuncConfig's typed fields.
func translateSimRecord(rec plcconfig.SimulationRecord) (sim.Config, error) {
	memspace, err := translateMemspace(rec.Memspace)
	if err != nil {
		return sim.Config{}, err
	}

	var source *sim.Memspace
	if rec.Source != nil {
		s, err := translateMemspace(*rec.Source)
		if err != nil {
			return sim.Config{}, err
		}
		source = &s
	}

	fn, err := translateFunction(rec.Function)
	if err != nil {
		return sim.Config{}, err
	}

	return sim.Config{
		ID:       rec.ID,
		Memspace: memspace,
		Function: fn,
		Source:   source,
		Pause:    time.Duration(rec.Pause * float64(time.Second)),
	}, nil
}

func translateMemspace(m plcconfig.MemspaceRef) (sim.Memspace, error) {
	section := memimage.Section(m.Section)
	switch section {
	case memimage.Bits, memimage.Words16, memimage.Words32, memimage.Words64:
	default:
		return sim.Memspace{}, fmt.Errorf("unknown memspace section %q", m.Section)
	}
	return sim.Memspace{Section: section, Addr: m.Addr, NRefs: m.Resolve()}, nil
}

func translateFunction(fc plcconfig.FunctionConfig) (sim.FuncConfig, error) {
	out := sim.FuncConfig{Type: sim.FuncType(fc.Type)}

	if v, ok := asInt64(fc.Params["start"]); ok {
		out.Start, out.HasStart = v, true
	}
	if v, ok := asInt64(fc.Params["stop"]); ok {
		out.Stop, out.HasStop = v, true
	}
	if v, ok := asInt64(fc.Params["step"]); ok {
		out.Step, out.HasStep = v, true
	}
	if v, ok := asInt64(fc.Params["value"]); ok {
		out.Value = v
	}
	if v, ok := asFloat64(fc.Params["mu"]); ok {
		out.Mu, out.HasMu = v, true
		if s, ok := asFloat64(fc.Params["sigma"]); ok {
			out.Sigma = s
		}
	}
	if v, ok := asFloat64(fc.Params["a"]); ok {
		out.A, out.HasA = v, true
		if b, ok := asFloat64(fc.Params["b"]); ok {
			out.B = b
		}
	}
	if v, ok := asInt64(fc.Params["seed"]); ok {
		out.Seed, out.HasSeed = uint64(v), true
	}

	if rawRules, ok := fc.Params["rules"].([]any); ok {
		for _, rawRule := range rawRules {
			rule, err := translateRule(rawRule)
			if err != nil {
				return sim.FuncConfig{}, err
			}
			out.Rules = append(out.Rules, rule)
		}
	}

	return out, nil
}

func translateRule(raw any) (sim.TransformRule, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return sim.TransformRule{}, fmt.Errorf("transform rule must be a mapping, got %T", raw)
	}

	var rule sim.TransformRule
	if lo, ok := asInt64(m["lo"]); ok {
		hi, _ := asInt64(m["hi"])
		rule.IsRng = true
		rule.InLo, rule.InHi = int(lo), int(hi)
	} else if rng, ok := m["in"].([]any); ok && len(rng) == 2 {
		lo, _ := asInt64(rng[0])
		hi, _ := asInt64(rng[1])
		rule.IsRng = true
		rule.InLo, rule.InHi = int(lo), int(hi)
	} else if in, ok := asInt64(m["in"]); ok {
		rule.In = int(in)
	}

	if out, ok := asInt64(m["out"]); ok {
		rule.Out = &out
	}

	return rule, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
