// Package selection picks relay candidates for a circuit: score peers by
// their measured capabilities, take the top-scoring set, and break ties
// deterministically per-circuit using rendezvous hashing instead of a
// process-local RNG, so two nodes independently computing the same
// circuit's candidate set agree without exchanging the choice. Grounded
// on the teacher's weighted-candidate-then-random-tiebreak selection
// shape (internal/app/client.go's scoring/weighted pick around lines
// 1683-1832), with the random tiebreak replaced by
// github.com/dgryski/go-rendezvous keyed on github.com/cespare/xxhash/v2,
// since the spec requires deterministic top-N selection reproducible by
// any peer holding the same registry snapshot.
package selection

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Candidate is a scoreable peer: PeerID identifies it, Score is the
// registry's weighted capability score (higher is better).
type Candidate struct {
	PeerID string
	Score  float64
}

// hashString adapts xxhash to the rendezvous.Hasher signature.
func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// TopN scores candidates and returns up to n peer IDs, best first. When
// multiple candidates land exactly on the n-th slot's score (a genuine
// tie, not just "close"), the tied group is broken by rendezvous hash
// keyed on seed (typically the circuit id) so every node computing the
// same candidate set independently picks the same winners.
func TopN(candidates []Candidate, n int, seed string) []string {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if len(sorted) <= n {
		out := make([]string, len(sorted))
		for i, c := range sorted {
			out[i] = c.PeerID
		}
		return out
	}

	boundaryScore := sorted[n-1].Score
	var above []Candidate
	var tiedAtBoundary []Candidate
	for _, c := range sorted {
		if c.Score > boundaryScore {
			above = append(above, c)
		} else if c.Score == boundaryScore {
			tiedAtBoundary = append(tiedAtBoundary, c)
		}
	}

	out := make([]string, 0, n)
	for _, c := range above {
		out = append(out, c.PeerID)
	}
	remaining := n - len(out)
	if remaining <= 0 {
		return out[:n]
	}
	if len(tiedAtBoundary) <= remaining {
		for _, c := range tiedAtBoundary {
			out = append(out, c.PeerID)
		}
		return out
	}

	tiedIDs := make([]string, len(tiedAtBoundary))
	for i, c := range tiedAtBoundary {
		tiedIDs[i] = c.PeerID
	}
	return append(out, breakTies(tiedIDs, remaining, seed)...)
}

// PickOne deterministically chooses one of candidates via rendezvous hash
// keyed on seed. Used to pick one of a role's top-3 scored peers (spec
// 4.3 step 4's "pick one uniformly at random") without a process-local
// RNG, so every node computing the same candidate set agrees.
func PickOne(candidates []string, seed string) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	rv := rendezvous.New(candidates, hashString)
	return rv.Lookup(seed)
}

// breakTies deterministically orders candidates by rendezvous score
// against seed, highest first, returning the top k.
func breakTies(candidates []string, k int, seed string) []string {
	rv := rendezvous.New(candidates, hashString)
	remaining := make([]string, len(candidates))
	copy(remaining, candidates)
	out := make([]string, 0, k)
	for i := 0; i < k && len(remaining) > 0; i++ {
		winner := rv.Lookup(seed)
		out = append(out, winner)
		next := remaining[:0]
		for _, c := range remaining {
			if c != winner {
				next = append(next, c)
			}
		}
		remaining = next
		rv = rendezvous.New(remaining, hashString)
	}
	return out
}
