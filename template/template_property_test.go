package template

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestResolveIdempotentProperty verifies that resolving an already fully
// resolved value is the identity: resolve(resolve(x)) == resolve(x) for any
// value whose strings contain no ${ occurrences.
func TestResolveIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	data := map[string]any{
		"inputs": map[string]any{"x": float64(1)},
		"nodes":  map[string]any{},
	}

	properties.Property("resolve is idempotent on resolved values", prop.ForAll(
		func(keys []string, vals []string) bool {
			obj := map[string]any{}
			for i, k := range keys {
				if i < len(vals) {
					obj[k] = vals[i]
				} else {
					obj[k] = float64(i)
				}
			}
			once, err := Resolve(obj, data)
			if err != nil {
				return false
			}
			twice, err := Resolve(once, data)
			if err != nil {
				return false
			}
			return equalValues(once, twice)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !equalValues(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
