package lobby

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// EvaluateRule evaluates an auto-start expression against params.
// An empty rule returns true. Supports "true"/"false" literals.
func EvaluateRule(rule string, params map[string]interface{}) (bool, error) {
	expr := strings.TrimSpace(rule)
	if expr == "" {
		return true, nil
	}
	switch strings.ToLower(expr) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, err
	}
	result, err := compiled.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("auto-start rule did not evaluate to boolean")
	}
	return v, nil
}

// ValidateRule reports whether rule parses.
func ValidateRule(rule string) error {
	expr := strings.TrimSpace(rule)
	switch strings.ToLower(expr) {
	case "", "true", "false":
		return nil
	}
	_, err := govaluate.NewEvaluableExpression(expr)
	return err
}
