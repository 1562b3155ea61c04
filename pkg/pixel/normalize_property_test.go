//go:build property
// +build property

// Property-based tests for event identity derivation.
package pixel_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
)

// TestEventIDDeterminism verifies the core identity property:
// DeterministicEventID(x) == DeterministicEventID(x) for any x.
func TestEventIDDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs yield identical event ids", prop.ForAll(
		func(identifier, shop, token, nonce string, quantities []int) bool {
			items := make([]pixel.Item, 0, len(quantities))
			for i, q := range quantities {
				items = append(items, pixel.Item{ID: string(rune('a' + i%26)), Quantity: q})
			}

			a, errA := pixel.DeterministicEventID(identifier, "purchase", shop, token, items, nonce)
			b, errB := pixel.DeterministicEventID(identifier, "purchase", shop, token, items, nonce)
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			return a == b && len(a) == 64
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.IntRange(1, 10)),
	))

	properties.TestingRun(t)
}

// TestOrderMatchKeyShape verifies that purchase key derivation always
// produces a primary key when any reference exists, and that the token
// hash is stable.
func TestOrderMatchKeyShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("order id wins, token hashes stably", prop.ForAll(
		func(orderID, token string) bool {
			key, alt, found := pixel.OrderMatchKey(orderID, token)
			switch {
			case orderID != "":
				if key != orderID || !found {
					return false
				}
				if token == "" {
					return alt == ""
				}
				key2, alt2, _ := pixel.OrderMatchKey(orderID, token)
				return key2 == key && alt2 == alt && len(alt) == 64
			case token != "":
				key2, _, _ := pixel.OrderMatchKey("", token)
				return found && len(key) == 64 && key2 == key && alt == ""
			default:
				return !found && key == "" && alt == ""
			}
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestInBatchDedupFirstWins verifies order sensitivity: however a batch
// of same-key purchases is arranged, only its first occurrence survives
// an in-batch seen-set pass.
func TestInBatchDedupFirstWins(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first occurrence of each order key survives", prop.ForAll(
		func(keys []string) bool {
			seen := make(map[string]struct{})
			var survivors []string
			for _, k := range keys {
				if k == "" {
					continue
				}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				survivors = append(survivors, k)
			}

			// Every key survives exactly once, in first-seen order.
			counts := make(map[string]int)
			for _, s := range survivors {
				counts[s]++
			}
			for _, c := range counts {
				if c != 1 {
					return false
				}
			}
			firstSeen := make(map[string]int)
			for i, k := range keys {
				if k == "" {
					continue
				}
				if _, ok := firstSeen[k]; !ok {
					firstSeen[k] = i
				}
			}
			for i := 1; i < len(survivors); i++ {
				if firstSeen[survivors[i-1]] > firstSeen[survivors[i]] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
