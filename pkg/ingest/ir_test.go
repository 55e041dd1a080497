package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
)

func TestCheckExtractionAcceptsWellFormed(t *testing.T) {
	problems := checkExtraction(goodExtraction(), common.DefaultEntityTypes)
	if len(problems) != 0 {
		t.Errorf("checkExtraction() = %v, want none", problems)
	}
}

func TestCheckExtractionRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(x *extraction)
		want   string
	}{
		{
			name:   "missing predicate",
			mutate: func(x *extraction) { x.Facts[0].Predicate = "" },
			want:   "Predicate",
		},
		{
			name: "both object fields set",
			mutate: func(x *extraction) {
				x.Facts[0].ObjectEntity = "Acme"
				x.Facts[0].ObjectEntityType = "company"
			},
			want: "exactly one of object_entity and object_value",
		},
		{
			name:   "neither object field set",
			mutate: func(x *extraction) { x.Facts[0].ObjectValue = "" },
			want:   "exactly one of object_entity and object_value",
		},
		{
			name:   "unknown mention type",
			mutate: func(x *extraction) { x.Mentions[0].Type = "spaceship" },
			want:   `unknown entity type "spaceship"`,
		},
		{
			name:   "unknown subject type",
			mutate: func(x *extraction) { x.Facts[0].SubjectType = "spaceship" },
			want:   "unknown subject_type",
		},
		{
			name: "object entity without a type",
			mutate: func(x *extraction) {
				x.Facts[0].ObjectValue = ""
				x.Facts[0].ObjectEntity = "Acme"
			},
			want: "unknown object_entity_type",
		},
		{
			name:   "unparseable valid_at",
			mutate: func(x *extraction) { x.Facts[0].ValidAt = "around Q3ish" },
			want:   "unparseable valid_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := goodExtraction()
			tt.mutate(&x)
			problems := checkExtraction(x, common.DefaultEntityTypes)
			if len(problems) == 0 {
				t.Fatal("checkExtraction() accepted a malformed payload")
			}
			joined := strings.Join(problems, "; ")
			if !strings.Contains(joined, tt.want) {
				t.Errorf("problems = %q, want mention of %q", joined, tt.want)
			}
		})
	}
}

func TestMergedDeduplicatesMentions(t *testing.T) {
	m := newMerged()
	m.add(extraction{
		Mentions: []mentionDraft{
			{Name: "TargetCo GmbH", Type: "company"},
			{Name: "TARGETCO GMBH", Type: "company"},
		},
	})
	m.add(extraction{
		Facts: []factDraft{{
			Subject:     "TargetCo GmbH",
			SubjectType: "company",
			Predicate:   "has_revenue",
			ObjectValue: "$4.8M",
			Content:     "TargetCo GmbH reported revenue of $4.8M.",
		}},
	})

	if len(m.order) != 1 {
		t.Fatalf("mentions = %d, want 1 after case-insensitive dedupe", len(m.order))
	}
	if got := m.mentions[m.order[0]].Name; got != "TargetCo GmbH" {
		t.Errorf("kept mention = %q, want the first surface form", got)
	}
	if len(m.facts) != 1 {
		t.Errorf("facts = %d, want 1", len(m.facts))
	}
}

func TestMergedSynthesizesMentionsFromFactEndpoints(t *testing.T) {
	m := newMerged()
	m.add(extraction{
		Facts: []factDraft{{
			Subject:          "TargetCo",
			SubjectType:      "company",
			Predicate:        "employs",
			ObjectEntity:     "Jane Doe",
			ObjectEntityType: "person",
			Content:          "TargetCo employs Jane Doe.",
		}},
	})

	if len(m.order) != 2 {
		t.Fatalf("mentions = %d, want subject and object synthesized", len(m.order))
	}
}

func TestFactValidAt(t *testing.T) {
	ref := time.Date(2024, 10, 15, 0, 0, 0, 0, time.UTC)

	if got := factValidAt(factDraft{ValidAt: "2024-09-30T00:00:00Z"}, ref); !got.Equal(time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("explicit valid_at = %v", got)
	}
	if got := factValidAt(factDraft{}, ref); !got.Equal(ref) {
		t.Errorf("missing valid_at = %v, want reference time", got)
	}
	if got := factValidAt(factDraft{ValidAt: "garbage"}, ref); !got.Equal(ref) {
		t.Errorf("unparseable valid_at = %v, want reference time", got)
	}
}
