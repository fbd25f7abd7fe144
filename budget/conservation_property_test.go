package budget

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/vidflow/types"
)

// Budget conservation: for any sequence of reserve/commit/release operations,
// remaining + reserved + committed == daily limit holds after every step,
// and no ledger field ever goes negative.
func TestBudgetConservation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("reserve/commit/release preserve the ledger equation", prop.ForAll(
		func(ops []int, amounts []int64) bool {
			a := testAccountant(map[string]int64{"pa": 1000})
			var open []string

			for i, op := range ops {
				amount := int64(1)
				if len(amounts) > 0 {
					amount = amounts[i%len(amounts)]
				}

				switch {
				case op%3 == 0 || len(open) == 0:
					id, err := a.Reserve("pa", types.TierStandard, amount)
					if err == nil {
						open = append(open, id)
					}
				case op%3 == 1:
					id := open[op%len(open)]
					if a.Commit(id) == nil {
						open = removeID(open, id)
					}
				default:
					id := open[op%len(open)]
					if a.Release(id) == nil {
						open = removeID(open, id)
					}
				}

				if err := a.CheckInvariant(); err != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.SliceOf(gen.Int64Range(1, 300)),
	))

	properties.TestingRun(t)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
