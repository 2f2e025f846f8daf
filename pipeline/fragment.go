package pipeline

import (
	"sort"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
)

// Fragment is one piece of a string input split for fragment mode
// (§4.C6 "Fragment mode"): orthogonal to layer-sharded pipelining, each
// fragment is addressed to a distinct node and carries enough context
// to be reassembled in order regardless of completion order.
type Fragment struct {
	JobID             string
	FragmentIndex     int
	TotalFragments    int
	ContextWindowStart int
	ContextWindowEnd   int
	Data              string
}

// SplitFragments divides input into k contiguous fragments (the first
// len(input)%k fragments each take one extra byte), for k in [1,8] per
// §8 property 7. k <= 0 or
// k > len(input) is clamped to a sane range so callers don't have to
// special-case tiny inputs.
func SplitFragments(jobID, input string, k int) []Fragment {
	if k <= 0 {
		k = 1
	}
	if k > len(input) {
		k = len(input)
	}
	if k == 0 {
		return []Fragment{{JobID: jobID, FragmentIndex: 0, TotalFragments: 1, Data: input}}
	}

	base := len(input) / k
	remainder := len(input) % k

	fragments := make([]Fragment, 0, k)
	pos := 0
	for i := 0; i < k; i++ {
		size := base
		if i < remainder {
			size++
		}
		fragments = append(fragments, Fragment{
			JobID:              jobID,
			FragmentIndex:      i,
			TotalFragments:     k,
			ContextWindowStart: pos,
			ContextWindowEnd:   pos + size,
			Data:               input[pos : pos+size],
		})
		pos += size
	}
	return fragments
}

// FragmentResult pairs a dispatched Fragment with the output a node
// returned for it.
type FragmentResult struct {
	Fragment Fragment
	Output   string
}

// ReassembleFragments concatenates fragment outputs in fragment-index
// order regardless of the order results arrived in (§8 property 7),
// erroring if any index in [0,total) is missing or duplicated.
func ReassembleFragments(results []FragmentResult) (string, error) {
	if len(results) == 0 {
		return "", errors.New(errors.InvalidParams, "no fragment results to reassemble")
	}

	total := results[0].Fragment.TotalFragments
	byIndex := make(map[int]string, len(results))
	for _, r := range results {
		if r.Fragment.TotalFragments != total {
			return "", errors.New(errors.Internal, "mismatched total_fragments across results")
		}
		if _, dup := byIndex[r.Fragment.FragmentIndex]; dup {
			return "", errors.New(errors.Internal, "duplicate fragment_index in results")
		}
		byIndex[r.Fragment.FragmentIndex] = r.Output
	}
	if len(byIndex) != total {
		return "", errors.New(errors.Internal, "missing fragment results")
	}

	indices := make([]int, 0, total)
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]byte, 0, len(results))
	for _, i := range indices {
		out = append(out, byIndex[i]...)
	}
	return string(out), nil
}
