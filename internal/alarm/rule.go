package alarm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
	"github.com/nerrad567/boilerline-core/internal/telemetry"
)

// Condition compares a reading against a rule threshold.
type Condition string

// Supported conditions.
const (
	ConditionGT  Condition = "gt"
	ConditionGTE Condition = "gte"
	ConditionLT  Condition = "lt"
	ConditionLTE Condition = "lte"
	ConditionEQ  Condition = "eq"
)

// ErrInvalidRule is returned when a rule fails validation.
var ErrInvalidRule = errors.New("invalid alarm rule")

// Holds reports whether value satisfies the condition against threshold.
func (c Condition) Holds(value, threshold float64) bool {
	switch c {
	case ConditionGT:
		return value > threshold
	case ConditionGTE:
		return value >= threshold
	case ConditionLT:
		return value < threshold
	case ConditionLTE:
		return value <= threshold
	case ConditionEQ:
		return value == threshold
	default:
		return false
	}
}

func (c Condition) valid() bool {
	switch c {
	case ConditionGT, ConditionGTE, ConditionLT, ConditionLTE, ConditionEQ:
		return true
	}
	return false
}

// Rule is one threshold check on a parameter.
type Rule struct {
	Name      string
	Parameter telemetry.Parameter
	Condition Condition
	Value     float64
}

// Validate checks the rule fields.
func (r Rule) Validate() error {
	var problems []string

	if r.Name == "" {
		problems = append(problems, "name is required")
	} else if strings.ContainsAny(r.Name, "/+#") {
		problems = append(problems, "name must be a single topic level")
	}
	if !r.Parameter.Valid() {
		problems = append(problems, fmt.Sprintf("unknown parameter %q", r.Parameter))
	}
	if !r.Condition.valid() {
		problems = append(problems, fmt.Sprintf("unknown condition %q", r.Condition))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.Name, strings.Join(problems, "; "))
	}
	return nil
}

// Matches reports whether the reading triggers the rule.
func (r Rule) Matches(reading telemetry.Reading) bool {
	return reading.Parameter == r.Parameter && r.Condition.Holds(reading.Value, r.Value)
}

// RulesFromConfig converts and validates configured rules.
func RulesFromConfig(cfgs []config.AlarmRuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	var errs []error

	for _, c := range cfgs {
		r := Rule{
			Name:      c.Name,
			Parameter: telemetry.Parameter(strings.ToLower(c.Parameter)),
			Condition: Condition(strings.ToLower(c.Condition)),
			Value:     c.Value,
		}
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("%w %q: duplicate name", ErrInvalidRule, r.Name))
			continue
		}
		seen[r.Name] = true
		rules = append(rules, r)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rules, nil
}
