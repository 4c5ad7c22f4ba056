package config

import (
	"fmt"
	"os"
	"regexp"
)

var varPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// maxResolvePasses bounds the fixed-point iteration so reference cycles fail.
const maxResolvePasses = 32

// ResolveString replaces every ${key} in s with ctx[key], or with the environment
// variable of that name when ctx has no entry. Unknown references are left intact.
// Substitution repeats until the string stops changing, so nested references resolve.
func ResolveString(s string, ctx map[string]string) (string, error) {
	for pass := 0; pass < maxResolvePasses; pass++ {
		next := varPattern.ReplaceAllStringFunc(s, func(match string) string {
			key := varPattern.FindStringSubmatch(match)[1]
			if v, ok := ctx[key]; ok {
				return v
			}
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return match
		})
		if next == s {
			return s, nil
		}
		s = next
	}
	return "", fmt.Errorf("config: unresolvable reference cycle in %q", s)
}

// ResolveMapping resolves references between the values of a flat mapping.
// Keys may be referenced before or after their definition. The input is not modified.
func ResolveMapping(values map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}

	for pass := 0; pass < maxResolvePasses; pass++ {
		changed := false
		for k, v := range out {
			resolved, err := ResolveString(v, out)
			if err != nil {
				return nil, fmt.Errorf("config: resolving %s: %w", k, err)
			}
			if resolved != v {
				out[k] = resolved
				changed = true
			}
		}
		if !changed {
			return out, nil
		}
	}

	return nil, fmt.Errorf("config: path references did not converge")
}
