package batch

import (
	"fmt"
	"math/big"
	"sort"
)

var ppmScale = big.NewInt(1_000_000)

// AllocateProportional splits total across weights using largest-remainder
// rounding so the parts always sum to exactly total. Zero or negative
// totals, and weight sets that sum to zero, allocate nothing.
//
// Ties in the remainder go to the larger weight, then to the earlier index,
// which makes the result deterministic and independent of map iteration
// order upstream.
func AllocateProportional(total *big.Int, weights []*big.Int) []*big.Int {
	out := make([]*big.Int, len(weights))
	for i := range out {
		out[i] = new(big.Int)
	}
	if total == nil || total.Sign() <= 0 || len(weights) == 0 {
		return out
	}

	sumW := new(big.Int)
	clamped := make([]*big.Int, len(weights))
	for i, w := range weights {
		if w == nil || w.Sign() < 0 {
			clamped[i] = new(big.Int)
			continue
		}
		clamped[i] = w
		sumW.Add(sumW, w)
	}
	if sumW.Sign() <= 0 {
		return out
	}

	type share struct {
		idx       int
		remainder *big.Int
	}
	shares := make([]share, len(clamped))
	allocated := new(big.Int)
	for i, w := range clamped {
		raw := new(big.Int).Mul(total, w)
		rem := new(big.Int)
		out[i].QuoRem(raw, sumW, rem)
		allocated.Add(allocated, out[i])
		shares[i] = share{idx: i, remainder: rem}
	}

	remainder := new(big.Int).Sub(total, allocated)
	sort.SliceStable(shares, func(a, b int) bool {
		if c := shares[a].remainder.Cmp(shares[b].remainder); c != 0 {
			return c > 0
		}
		if c := clamped[shares[a].idx].Cmp(clamped[shares[b].idx]); c != 0 {
			return c > 0
		}
		return shares[a].idx < shares[b].idx
	})

	one := big.NewInt(1)
	for i := 0; remainder.Sign() > 0; i++ {
		out[shares[i].idx].Add(out[shares[i].idx], one)
		remainder.Sub(remainder, one)
	}

	check := new(big.Int)
	for _, a := range out {
		check.Add(check, a)
	}
	if check.Cmp(total) != 0 {
		panic(fmt.Sprintf("allocation %s does not preserve total %s", check, total))
	}
	return out
}

// SharePpm is a contributor's weight as parts-per-million of sumW, floored.
// Display only: the allocated totals are the authoritative split.
func SharePpm(weight, sumW *big.Int) int64 {
	if weight == nil || sumW == nil || weight.Sign() <= 0 || sumW.Sign() <= 0 {
		return 0
	}
	ppm := new(big.Int).Mul(weight, ppmScale)
	ppm.Quo(ppm, sumW)
	return ppm.Int64()
}
