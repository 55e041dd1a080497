package store

import (
	"testing"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
)

func sf(id string, score float64, depth int) scoredFact {
	return scoredFact{fact: common.Fact{ID: id}, score: score, depth: depth}
}

func TestMergeCandidates(t *testing.T) {
	vector := []scoredFact{sf("f2", 0.91, 0), sf("f1", 0.88, 0)}
	lexical := []scoredFact{sf("f1", 0.40, 0), sf("f3", 0.22, 0)}
	graph := []scoredFact{sf("f3", 0, 1), sf("f2", 0, 2)}

	got := mergeCandidates(vector, lexical, graph)
	if len(got) != 3 {
		t.Fatalf("mergeCandidates() returned %d candidates, want 3", len(got))
	}

	byID := make(map[string]Candidate, len(got))
	for i := 1; i < len(got); i++ {
		if got[i-1].Fact.ID >= got[i].Fact.ID {
			t.Errorf("candidates not ordered by fact id: %q before %q", got[i-1].Fact.ID, got[i].Fact.ID)
		}
	}
	for _, c := range got {
		byID[c.Fact.ID] = c
	}

	f1 := byID["f1"]
	if f1.VectorRank != 2 || f1.LexicalRank != 1 || f1.GraphRank != 0 {
		t.Errorf("f1 ranks = (%d, %d, %d), want (2, 1, 0)", f1.VectorRank, f1.LexicalRank, f1.GraphRank)
	}
	if f1.VectorScore != 0.88 || f1.LexicalScore != 0.40 {
		t.Errorf("f1 scores = (%v, %v), want (0.88, 0.40)", f1.VectorScore, f1.LexicalScore)
	}

	f2 := byID["f2"]
	if f2.VectorRank != 1 || f2.LexicalRank != 0 || f2.GraphRank != 2 {
		t.Errorf("f2 ranks = (%d, %d, %d), want (1, 0, 2)", f2.VectorRank, f2.LexicalRank, f2.GraphRank)
	}
	if f2.GraphDepth != 2 {
		t.Errorf("f2 graph depth = %d, want 2", f2.GraphDepth)
	}

	f3 := byID["f3"]
	if f3.VectorRank != 0 || f3.LexicalRank != 2 || f3.GraphRank != 1 {
		t.Errorf("f3 ranks = (%d, %d, %d), want (0, 2, 1)", f3.VectorRank, f3.LexicalRank, f3.GraphRank)
	}
}

func TestMergeCandidatesEmptyChannels(t *testing.T) {
	got := mergeCandidates(nil, nil, nil)
	if len(got) != 0 {
		t.Errorf("mergeCandidates(nil, nil, nil) = %v, want empty", got)
	}

	got = mergeCandidates(nil, []scoredFact{sf("only", 0.5, 0)}, nil)
	if len(got) != 1 || got[0].LexicalRank != 1 || got[0].VectorRank != 0 {
		t.Errorf("single channel merge wrong: %+v", got)
	}
}
