package canonicalize_test

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/auditrail/pkg/canonicalize"
)

func buildEvent(keys []string, values []int64, reverse bool) map[string]any {
	ev := make(map[string]any)
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	for i := 0; i < n; i++ {
		j := i
		if reverse {
			j = n - 1 - i
		}
		ev[keys[j]] = map[string]any{"v": values[j], "s": keys[j]}
	}
	return ev
}

// Property: the canonical form does not depend on how the event was built.
func TestCanonicalizeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order is irrelevant", prop.ForAll(
		func(keys []string, values []int64) bool {
			forward, err1 := canonicalize.Canonicalize(buildEvent(keys, values, false))
			backward, err2 := canonicalize.Canonicalize(buildEvent(keys, values, true))
			if err1 != nil || err2 != nil {
				return false
			}
			// Duplicate keys keep whichever value was written last, so only
			// compare when the keys are unique.
			seen := make(map[string]bool)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if seen[keys[i]] {
					return true
				}
				seen[keys[i]] = true
			}
			return bytes.Equal(forward, backward)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.Property("repeated calls are identical", prop.ForAll(
		func(keys []string, values []int64) bool {
			ev := buildEvent(keys, values, false)
			a, err1 := canonicalize.Canonicalize(ev)
			b, err2 := canonicalize.Canonicalize(ev)
			return err1 == nil && err2 == nil && bytes.Equal(a, b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
	))

	properties.TestingRun(t)
}

// Property: changing any field value changes the canonical form.
func TestCanonicalizeSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("different quantity differs", prop.ForAll(
		func(gtin string, a, b int64) bool {
			if a == b {
				return true
			}
			e1 := map[string]any{"gtin": gtin, "quantity": a}
			e2 := map[string]any{"gtin": gtin, "quantity": b}
			c1, err1 := canonicalize.Canonicalize(e1)
			c2, err2 := canonicalize.Canonicalize(e2)
			return err1 == nil && err2 == nil && !bytes.Equal(c1, c2)
		},
		gen.AlphaString(),
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("different string differs", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			c1, err1 := canonicalize.Canonicalize(map[string]any{"type": a})
			c2, err2 := canonicalize.Canonicalize(map[string]any{"type": b})
			return err1 == nil && err2 == nil && !bytes.Equal(c1, c2)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("different floats differ", prop.ForAll(
		func(a, b float64) bool {
			if a == b {
				return true
			}
			c1, err1 := canonicalize.Canonicalize([]any{a})
			c2, err2 := canonicalize.Canonicalize([]any{b})
			return err1 == nil && err2 == nil && !bytes.Equal(c1, c2)
		},
		gen.Float64Range(-1e12, 1e12),
		gen.Float64Range(-1e12, 1e12),
	))

	properties.TestingRun(t)
}
