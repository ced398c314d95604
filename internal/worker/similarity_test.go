package worker

import "testing"

func TestSimilarityIdentical(t *testing.T) {
	if s := similarity("mysql-prod", "mysql-prod"); s != 1 {
		t.Errorf("expected 1.0 for identical strings, got %f", s)
	}
}

func TestSimilarityDisjoint(t *testing.T) {
	if s := similarity("abc", "xyz"); s != 0 {
		t.Errorf("expected 0.0 for disjoint strings, got %f", s)
	}
}

func TestMostSimilarLabelPrefersCloserMatch(t *testing.T) {
	best, ok := mostSimilarLabel("mysql-prod", []string{"oracle-dr", "mysql-prod-east"})
	if !ok {
		t.Fatal("expected a match")
	}
	if best != "mysql-prod-east" {
		t.Errorf("expected mysql-prod-east, got %s", best)
	}
}

func TestMostSimilarLabelEmptyCandidates(t *testing.T) {
	if _, ok := mostSimilarLabel("anything", nil); ok {
		t.Error("expected no match for empty candidates")
	}
}
