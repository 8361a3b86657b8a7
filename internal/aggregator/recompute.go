package aggregator

import "math/big"

// Result is the outcome of recomputing one window.
type Result struct {
	MemberIDs []string
	Average   *big.Int
}

// Recompute appends newID to members, drops ids that fall outside
// [latest-duration, ...] and returns the truncated mean of what remains.
//
// samples must resolve every id in members plus newID; ids it cannot resolve are
// dropped. Repeated ids are counted once.
func Recompute(members []string, newID string, latest, duration uint64, samples map[string]Sample) Result {
	threshold := uint64(0)
	if latest > duration {
		threshold = latest - duration
	}

	candidates := make([]string, 0, len(members)+1)
	candidates = append(candidates, members...)
	candidates = append(candidates, newID)

	seen := make(map[string]struct{}, len(candidates))
	kept := make([]string, 0, len(candidates))
	sum := new(big.Int)
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		sample, ok := samples[id]
		if !ok || sample.FeeValue == nil {
			continue
		}
		if sample.ObservedAt < threshold {
			continue
		}
		kept = append(kept, id)
		sum.Add(sum, sample.FeeValue)
	}

	return Result{MemberIDs: kept, Average: mean(sum, len(kept))}
}

func mean(sum *big.Int, count int) *big.Int {
	if count == 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(sum, big.NewInt(int64(count)))
}
