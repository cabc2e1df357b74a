package interlock

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/tessarix/radhal/internal/logging"
)

// Readings produces the evaluation environment for interlock rules: a map of
// live device measurements such as housing temperature or accumulated dose.
type Readings func() map[string]interface{}

// RuleEngine evaluates configured boolean expressions in place of the
// built-in device checks. A rule that fails to evaluate reads as a failed
// interlock; the chain never passes on a broken rule.
type RuleEngine struct {
	logger   zerolog.Logger
	readings Readings
	programs map[string]*vm.Program
}

// NewRuleEngine compiles the configured rules. Rule keys must name a known
// interlock.
func NewRuleEngine(rules map[string]string, readings Readings, logger zerolog.Logger) (*RuleEngine, error) {
	if readings == nil {
		readings = func() map[string]interface{} { return nil }
	}
	engine := &RuleEngine{
		logger:   logging.Component(logger, "interlock_rules"),
		readings: readings,
		programs: make(map[string]*vm.Program, len(rules)),
	}
	for name, source := range rules {
		if !knownInterlock(name) {
			return nil, fmt.Errorf("rule %q does not name an interlock", name)
		}
		if source == "" {
			return nil, fmt.Errorf("rule %s: expression must not be empty", name)
		}
		program, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", name, err)
		}
		engine.programs[name] = program
	}
	return engine, nil
}

func knownInterlock(name string) bool {
	for _, known := range Names {
		if known == name {
			return true
		}
	}
	return false
}

// Has reports whether a rule overrides the named interlock.
func (e *RuleEngine) Has(name string) bool {
	if e == nil {
		return false
	}
	_, ok := e.programs[name]
	return ok
}

// Check returns the evaluation function for the named interlock rule, or nil
// when no rule is configured for it.
func (e *RuleEngine) Check(name string) Check {
	if e == nil {
		return nil
	}
	program, ok := e.programs[name]
	if !ok {
		return nil
	}
	return func() bool {
		env := e.readings()
		if env == nil {
			env = map[string]interface{}{}
		}
		out, err := expr.Run(program, env)
		if err != nil {
			e.logger.Error().Err(err).Str("interlock", name).Msg("rule evaluation failed")
			return false
		}
		passed, ok := out.(bool)
		if !ok {
			e.logger.Error().Str("interlock", name).Msg("rule did not produce a boolean")
			return false
		}
		return passed
	}
}
