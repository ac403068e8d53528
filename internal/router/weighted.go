package router

import (
	"math/rand"

	"github.com/tenement-host/tenement/internal/hypervisor"
)

// selectWeighted picks one view from candidates with probability
// proportional to its Weight, using a cumulative-distribution walk over
// a single draw from [0, Σw). candidates with Weight <= 0 must already
// be filtered out by the caller (hypervisor.RunningByService does this).
// A plain weighted random pick is used rather than smooth weighted
// round-robin: spec §4.8/§8 only requires the empirical frequency to
// converge to w_i/Σw over many requests, not an even spread within any
// short window.
//
// The draw uses the package-level math/rand functions rather than a
// private *rand.Rand: this runs on concurrent HTTP handler goroutines,
// and *rand.Rand is documented as unsafe for concurrent use, while the
// top-level rand functions share a source guarded by an internal lock.
func selectWeighted(candidates []hypervisor.View) (hypervisor.View, bool) {
	if len(candidates) == 0 {
		return hypervisor.View{}, false
	}

	var total int
	for _, c := range candidates {
		total += c.Weight
	}
	if total <= 0 {
		return hypervisor.View{}, false
	}

	draw := rand.Intn(total)
	var cumulative int
	for _, c := range candidates {
		cumulative += c.Weight
		if draw < cumulative {
			return c, true
		}
	}
	// unreachable given draw < total, but keep a safe fallback.
	return candidates[len(candidates)-1], true
}
