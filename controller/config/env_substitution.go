package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envReference matches $${...} escapes and ${...} references
var envReference = regexp.MustCompile(`\$?\$\{([^}]*)\}`)

// SubstituteEnvVars expands environment references in configuration text.
//
//   - ${VAR}          value of VAR, empty when unset
//   - ${VAR:-default} default when VAR is empty or unset
//   - ${VAR:?message} error when VAR is empty or unset
//   - $${VAR}         literal ${VAR}
//
// Every reference is expanded even when a required variable is missing; the
// first such error is returned alongside the expanded text.
func SubstituteEnvVars(content string) (string, error) {
	var firstErr error

	expanded := envReference.ReplaceAllStringFunc(content, func(ref string) string {
		if strings.HasPrefix(ref, "$${") {
			return ref[1:]
		}

		expr := ref[2 : len(ref)-1]
		value, err := resolveEnvExpr(expr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return value
	})

	return expanded, firstErr
}

// resolveEnvExpr evaluates the body of a ${...} reference
func resolveEnvExpr(expr string) (string, error) {
	if name, msg, ok := strings.Cut(expr, ":?"); ok {
		name = strings.TrimSpace(name)
		if value := os.Getenv(name); value != "" {
			return value, nil
		}
		msg = strings.TrimSpace(msg)
		if msg == "" {
			msg = fmt.Sprintf("required environment variable %s is not set", name)
		}
		return "", fmt.Errorf("%s", msg)
	}

	if name, def, ok := strings.Cut(expr, ":-"); ok {
		if value := os.Getenv(strings.TrimSpace(name)); value != "" {
			return value, nil
		}
		return strings.TrimSpace(def), nil
	}

	return os.Getenv(strings.TrimSpace(expr)), nil
}
