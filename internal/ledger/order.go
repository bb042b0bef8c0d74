package ledger

import "sort"

// SortFacts orders facts ascending by (BlockNumber, LogIndex). The sort is
// stable so facts sharing a key (legacy records without a log index) keep
// their input order.
func SortFacts(facts []TransferFact) {
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].Key().Less(facts[j].Key())
	})
}

// IsSorted reports whether facts are already in replay order.
func IsSorted(facts []TransferFact) bool {
	return sort.SliceIsSorted(facts, func(i, j int) bool {
		return facts[i].Key().Less(facts[j].Key())
	})
}

// Dedup drops facts whose (BlockNumber, LogIndex) was already seen, keeping
// the first occurrence. Input order is preserved.
func Dedup(facts []TransferFact) []TransferFact {
	seen := make(map[FactKey]struct{}, len(facts))
	out := facts[:0:0]
	for _, f := range facts {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Accumulator collects facts across ranges, dropping logs already seen.
// Adjacent windows share their boundary block, so the same log can arrive twice.
// Not safe for concurrent use: the ingester applies one range at a time.
type Accumulator struct {
	seen  map[FactKey]struct{}
	facts []TransferFact
}

func NewAccumulator() *Accumulator {
	return &Accumulator{seen: make(map[FactKey]struct{})}
}

// Add appends facts not seen before and returns the newly added ones.
func (a *Accumulator) Add(facts []TransferFact) []TransferFact {
	start := len(a.facts)
	for _, f := range facts {
		k := f.Key()
		if _, ok := a.seen[k]; ok {
			continue
		}
		a.seen[k] = struct{}{}
		a.facts = append(a.facts, f)
	}
	return a.facts[start:len(a.facts):len(a.facts)]
}

func (a *Accumulator) Len() int { return len(a.facts) }

// Sorted returns a sorted copy of everything accumulated.
func (a *Accumulator) Sorted() []TransferFact {
	out := make([]TransferFact, len(a.facts))
	copy(out, a.facts)
	SortFacts(out)
	return out
}
