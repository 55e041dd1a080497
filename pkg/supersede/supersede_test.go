package supersede

import (
	"context"
	"testing"
	"time"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
)

type boostCall struct {
	factID string
	boost  float64
	ceil   float64
}

type fakeStore struct {
	active      []common.Fact
	inserted    map[string]common.Fact
	links       []common.FactLink
	provenance  map[string][]string
	invalidated map[string]time.Time
	boosts      []boostCall
}

func newFakeStore(active ...common.Fact) *fakeStore {
	return &fakeStore{
		active:      active,
		inserted:    map[string]common.Fact{},
		provenance:  map[string][]string{},
		invalidated: map[string]time.Time{},
	}
}

func (f *fakeStore) ActiveSlotFacts(ctx context.Context, namespace, subjectID, predicate string) ([]common.Fact, error) {
	var out []common.Fact
	for _, a := range f.active {
		if a.Namespace == namespace && a.SubjectID == subjectID && a.Predicate == predicate {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertFact(ctx context.Context, fact common.Fact, episodeID string) (bool, error) {
	if _, ok := f.inserted[fact.ID]; ok {
		return false, nil
	}
	f.inserted[fact.ID] = fact
	if episodeID != "" {
		f.provenance[fact.ID] = append(f.provenance[fact.ID], episodeID)
	}
	return true, nil
}

func (f *fakeStore) InvalidateFact(ctx context.Context, namespace, id string, at time.Time) error {
	f.invalidated[id] = at
	return nil
}

func (f *fakeStore) BoostFactConfidence(ctx context.Context, namespace, id string, boost, ceil float64) error {
	f.boosts = append(f.boosts, boostCall{factID: id, boost: boost, ceil: ceil})
	return nil
}

func (f *fakeStore) InsertFactLink(ctx context.Context, link common.FactLink) error {
	f.links = append(f.links, link)
	return nil
}

func (f *fakeStore) LinkFactEpisode(ctx context.Context, namespace, factID, episodeID string) error {
	f.provenance[factID] = append(f.provenance[factID], episodeID)
	return nil
}

func (f *fakeStore) hasLink(kind common.LinkKind, from, to string) bool {
	for _, l := range f.links {
		if l.Kind == kind && l.FromFactID == from && l.ToFactID == to {
			return true
		}
	}
	return false
}

func fact(id, predicate, objectText string, channel common.Channel, validAt time.Time) common.Fact {
	return common.Fact{
		ID:         id,
		Namespace:  "deal-7",
		SubjectID:  "targetco",
		Predicate:  predicate,
		ObjectText: objectText,
		Content:    predicate + " " + objectText,
		Confidence: channel.BaseConfidence(),
		Channel:    channel,
		ValidAt:    validAt,
	}
}

var q3 = time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)

func TestReconcileEmptySlotInsertsActive(t *testing.T) {
	st := newFakeStore()
	engine := NewEngine(st, Params{})

	newFact := fact("f-new", "has_revenue", "$4.8M", common.ChannelDocument, q3)
	out, err := engine.Reconcile(context.Background(), newFact, "ep-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !out.Inserted || out.Fact.ID != "f-new" {
		t.Errorf("Reconcile() outcome = %+v, want inserted f-new", out)
	}
	if len(st.links) != 0 {
		t.Errorf("Reconcile() created %d links on an empty slot, want 0", len(st.links))
	}
	if got := st.provenance["f-new"]; len(got) != 1 || got[0] != "ep-1" {
		t.Errorf("provenance = %v, want [ep-1]", got)
	}
}

func TestReconcileHigherTierSupersedes(t *testing.T) {
	old := fact("f-doc", "has_revenue", "$4.8M", common.ChannelDocument, q3)
	st := newFakeStore(old)
	engine := NewEngine(st, Params{})

	// Same valid time, materially different value, stronger channel.
	newFact := fact("f-qa", "has_revenue", "$5.2M", common.ChannelQAResponse, q3)
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if !out.Inserted {
		t.Error("new fact should be inserted active")
	}
	if len(out.Superseded) != 1 || out.Superseded[0] != "f-doc" {
		t.Errorf("Superseded = %v, want [f-doc]", out.Superseded)
	}
	if _, ok := st.invalidated["f-doc"]; !ok {
		t.Error("old fact was not invalidated")
	}
	if !st.hasLink(common.LinkSupersedes, "f-qa", "f-doc") {
		t.Error("missing SUPERSEDES edge new->old")
	}
}

func TestReconcileLaterValidAtSupersedesSameTier(t *testing.T) {
	old := fact("f-old", "has_headcount", "120", common.ChannelDocument, q3)
	st := newFakeStore(old)
	engine := NewEngine(st, Params{})

	newFact := fact("f-newer", "has_headcount", "135", common.ChannelDocument, q3.AddDate(0, 3, 0))
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(out.Superseded) != 1 {
		t.Fatalf("Superseded = %v, want one entry", out.Superseded)
	}
	if !st.hasLink(common.LinkSupersedes, "f-newer", "f-old") {
		t.Error("missing SUPERSEDES edge for later valid_at")
	}
}

func TestReconcileUnorderedContradicts(t *testing.T) {
	old := fact("f-a", "has_churn", "high", common.ChannelAnalystChat, q3)
	st := newFakeStore(old)
	engine := NewEngine(st, Params{})

	// Same tier, same valid time, materially different content.
	newFact := fact("f-b", "has_churn", "low", common.ChannelAnalystChat, q3)
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if !out.Inserted {
		t.Error("contradicting fact should still be inserted active")
	}
	if len(out.Contradicted) != 1 || out.Contradicted[0] != "f-a" {
		t.Errorf("Contradicted = %v, want [f-a]", out.Contradicted)
	}
	if len(st.invalidated) != 0 {
		t.Errorf("invalidated = %v, want none; both facts stay active", st.invalidated)
	}
	if !st.hasLink(common.LinkContradicts, "f-b", "f-a") {
		t.Error("missing CONTRADICTS edge")
	}
}

func TestReconcileNormalizedValueCorroborates(t *testing.T) {
	existing := fact("f-first", "has_revenue", "$4.8M", common.ChannelDocument, q3)
	existing.Confidence = 0.6
	st := newFakeStore(existing)
	engine := NewEngine(st, Params{})

	newFact := fact("f-second", "has_revenue", "  $4.8m ", common.ChannelAnalystChat, q3)
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if out.SupportedID != "f-first" {
		t.Errorf("SupportedID = %q, want f-first", out.SupportedID)
	}
	if out.Inserted {
		t.Error("corroboration must not produce a new active fact")
	}
	if out.Fact.Confidence != 0.8 {
		t.Errorf("boosted confidence = %v, want 0.8", out.Fact.Confidence)
	}

	stored, ok := st.inserted["f-second"]
	if !ok {
		t.Fatal("corroborating evidence record was not persisted")
	}
	if stored.InvalidAt == nil {
		t.Error("evidence record should be closed at birth")
	}
	if !st.hasLink(common.LinkSupports, "f-second", "f-first") {
		t.Error("missing SUPPORTS edge")
	}
	if !st.hasLink(common.LinkSupersedes, "f-first", "f-second") {
		t.Error("missing absorbing SUPERSEDES edge onto the evidence record")
	}
	if got := st.provenance["f-first"]; len(got) != 1 || got[0] != "ep-2" {
		t.Errorf("corroborated fact provenance = %v, want [ep-2]", got)
	}
	if len(st.boosts) != 1 || st.boosts[0].factID != "f-first" || st.boosts[0].boost != 0.2 {
		t.Errorf("boosts = %+v, want one 0.2 boost on f-first", st.boosts)
	}
}

func TestReconcileEmbeddingSimilarityCorroborates(t *testing.T) {
	existing := fact("f-first", "has_risk", "customer concentration", common.ChannelDocument, q3)
	existing.Embedding = []float32{1, 0, 0}
	st := newFakeStore(existing)
	engine := NewEngine(st, Params{})

	newFact := fact("f-second", "has_risk", "concentration of customers", common.ChannelDocument, q3)
	newFact.Embedding = []float32{0.999, 0.04, 0}
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if out.SupportedID != "f-first" {
		t.Errorf("SupportedID = %q, want f-first (cosine corroboration)", out.SupportedID)
	}
}

func TestReconcileDissimilarEmbeddingsDoNotCorroborate(t *testing.T) {
	existing := fact("f-first", "has_risk", "customer concentration", common.ChannelDocument, q3)
	existing.Embedding = []float32{1, 0, 0}
	st := newFakeStore(existing)
	engine := NewEngine(st, Params{})

	newFact := fact("f-second", "has_risk", "key person dependency", common.ChannelDocument, q3)
	newFact.Embedding = []float32{0.7, 0.7, 0.14}
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if out.SupportedID != "" {
		t.Errorf("SupportedID = %q, want none", out.SupportedID)
	}
	if len(out.Contradicted) != 1 {
		t.Errorf("Contradicted = %v, want the existing fact", out.Contradicted)
	}
}

func TestReconcileObjectEntityEqualityCorroborates(t *testing.T) {
	existing := fact("f-first", "employs", "", common.ChannelDocument, q3)
	existing.ObjectID = "person-jane"
	st := newFakeStore(existing)
	engine := NewEngine(st, Params{})

	newFact := fact("f-second", "employs", "", common.ChannelQAResponse, q3)
	newFact.ObjectID = "person-jane"
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if out.SupportedID != "f-first" {
		t.Errorf("SupportedID = %q, want f-first (same resolved object)", out.SupportedID)
	}
}

func TestReconcileReplayIsNoop(t *testing.T) {
	st := newFakeStore()
	engine := NewEngine(st, Params{})

	newFact := fact("f-new", "has_revenue", "$4.8M", common.ChannelDocument, q3)
	if _, err := engine.Reconcile(context.Background(), newFact, "ep-1"); err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}

	out, err := engine.Reconcile(context.Background(), newFact, "ep-1")
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if !out.Replayed {
		t.Error("second delivery should be detected as a replay")
	}
	if len(st.links) != 0 || len(st.invalidated) != 0 || len(st.boosts) != 0 {
		t.Errorf("replay caused side effects: links=%d invalidated=%d boosts=%d",
			len(st.links), len(st.invalidated), len(st.boosts))
	}
}

func TestReconcilePairwiseAgainstContradictedSlot(t *testing.T) {
	a := fact("f-a", "has_churn", "high", common.ChannelAnalystChat, q3)
	b := fact("f-b", "has_churn", "low", common.ChannelAnalystChat, q3)
	st := newFakeStore(a, b)
	engine := NewEngine(st, Params{})

	// Q&A answer outranks both standing chat assertions.
	newFact := fact("f-qa", "has_churn", "moderate", common.ChannelQAResponse, q3)
	out, err := engine.Reconcile(context.Background(), newFact, "ep-3")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(out.Superseded) != 2 {
		t.Fatalf("Superseded = %v, want both standing facts", out.Superseded)
	}
	if !st.hasLink(common.LinkSupersedes, "f-qa", "f-a") || !st.hasLink(common.LinkSupersedes, "f-qa", "f-b") {
		t.Error("missing SUPERSEDES edges to both slot occupants")
	}
}

func TestReconcileBoostIsClamped(t *testing.T) {
	existing := fact("f-first", "has_revenue", "$4.8M", common.ChannelQAResponse, q3)
	existing.Confidence = 0.9
	st := newFakeStore(existing)
	engine := NewEngine(st, Params{})

	newFact := fact("f-second", "has_revenue", "$4.8M", common.ChannelQAResponse, q3.Add(time.Hour))
	out, err := engine.Reconcile(context.Background(), newFact, "ep-2")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if out.Fact.Confidence != 0.99 {
		t.Errorf("boosted confidence = %v, want clamp at 0.99", out.Fact.Confidence)
	}
}

func TestOutranks(t *testing.T) {
	tests := []struct {
		name string
		new  common.Fact
		old  common.Fact
		want bool
	}{
		{
			name: "higher tier same time",
			new:  common.Fact{Channel: common.ChannelQAResponse, ValidAt: q3},
			old:  common.Fact{Channel: common.ChannelDocument, ValidAt: q3},
			want: true,
		},
		{
			name: "later time lower tier",
			new:  common.Fact{Channel: common.ChannelDocument, ValidAt: q3.AddDate(0, 1, 0)},
			old:  common.Fact{Channel: common.ChannelQAResponse, ValidAt: q3},
			want: true,
		},
		{
			name: "same tier same time",
			new:  common.Fact{Channel: common.ChannelDocument, ValidAt: q3},
			old:  common.Fact{Channel: common.ChannelDocument, ValidAt: q3},
			want: false,
		},
		{
			name: "lower tier earlier time",
			new:  common.Fact{Channel: common.ChannelDocument, ValidAt: q3.AddDate(0, -1, 0)},
			old:  common.Fact{Channel: common.ChannelQAResponse, ValidAt: q3},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outranks(tt.new, tt.old); got != tt.want {
				t.Errorf("outranks() = %v, want %v", got, tt.want)
			}
		})
	}
}
