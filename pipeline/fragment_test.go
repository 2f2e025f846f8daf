package pipeline

import "testing"

func TestSplitAndReassembleFragmentsPreservesOrder(t *testing.T) {
	input := "the quick brown fox jumps over the lazy dog"
	for k := 1; k <= 8; k++ {
		frags := SplitFragments("job-1", input, k)

		var joined string
		for _, f := range frags {
			joined += f.Data
		}
		if joined != input {
			t.Fatalf("k=%d: fragments don't cover input: got %q, want %q", k, joined, input)
		}

		results := make([]FragmentResult, len(frags))
		// Feed results in reverse order to prove reassembly doesn't
		// depend on completion order.
		for i, f := range frags {
			results[len(frags)-1-i] = FragmentResult{Fragment: f, Output: f.Data}
		}

		out, err := ReassembleFragments(results)
		if err != nil {
			t.Fatalf("k=%d: ReassembleFragments: %v", k, err)
		}
		if out != input {
			t.Fatalf("k=%d: reassembled = %q, want %q", k, out, input)
		}
	}
}

func TestReassembleFragmentsDetectsMissing(t *testing.T) {
	frags := SplitFragments("job-2", "abcdef", 3)
	results := []FragmentResult{
		{Fragment: frags[0], Output: frags[0].Data},
		{Fragment: frags[2], Output: frags[2].Data},
	}
	if _, err := ReassembleFragments(results); err == nil {
		t.Fatal("expected an error for a missing fragment")
	}
}
