package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Policy parameter keys.
const (
	ParamMaxValue               = "max_value"
	ParamCooldownPeriod         = "cooldown_period"
	ParamMaxOperationsPerPeriod = "max_operations_per_period"
	ParamPeriod                 = "period"
	ParamRestrictedAddresses    = "restricted_addresses"
)

// PolicyParameters is the typed view of a security policy parameter map.
// Zero values mean the check is disabled.
type PolicyParameters struct {
	MaxValue               *decimal.Decimal
	CooldownPeriod         time.Duration
	MaxOperationsPerPeriod int
	Period                 time.Duration
	RestrictedAddresses    []string
}

// ParsePolicyParameters decodes loosely typed parameters coming from YAML or JSON.
func ParsePolicyParameters(params map[string]any) (PolicyParameters, error) {
	var out PolicyParameters
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw := params[key]
		switch key {
		case ParamMaxValue:
			s, err := cast.ToStringE(raw)
			if err != nil {
				return out, fmt.Errorf("%s: %w", key, err)
			}
			v, err := decimal.NewFromString(s)
			if err != nil {
				return out, fmt.Errorf("%s: %w", key, err)
			}
			if v.IsNegative() {
				return out, fmt.Errorf("%s must not be negative", key)
			}
			out.MaxValue = &v
		case ParamCooldownPeriod, ParamPeriod:
			d, err := cast.ToDurationE(raw)
			if err != nil {
				return out, fmt.Errorf("%s: %w", key, err)
			}
			if d < 0 {
				return out, fmt.Errorf("%s must not be negative", key)
			}
			if key == ParamPeriod {
				out.Period = d
			} else {
				out.CooldownPeriod = d
			}
		case ParamMaxOperationsPerPeriod:
			n, err := cast.ToIntE(raw)
			if err != nil {
				return out, fmt.Errorf("%s: %w", key, err)
			}
			if n < 0 {
				return out, fmt.Errorf("%s must not be negative", key)
			}
			out.MaxOperationsPerPeriod = n
		case ParamRestrictedAddresses:
			list, err := cast.ToStringSliceE(raw)
			if err != nil {
				return out, fmt.Errorf("%s: %w", key, err)
			}
			out.RestrictedAddresses = list
		default:
			return out, fmt.Errorf("unknown policy parameter %q", key)
		}
	}
	if out.MaxOperationsPerPeriod > 0 && out.Period <= 0 {
		return out, fmt.Errorf("%s requires %s", ParamMaxOperationsPerPeriod, ParamPeriod)
	}
	return out, nil
}
