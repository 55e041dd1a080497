package common

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases and trims", in: "  TargetCo  ", want: "targetco"},
		{name: "strips inc with period", in: "Acme Corp, Inc.", want: "acme"},
		{name: "strips stacked suffixes", in: "Acme Holdings LLC", want: "acme holdings"},
		{name: "strips gmbh", in: "Müller GmbH", want: "müller"},
		{name: "keeps lone suffix word", in: "Inc", want: "inc"},
		{name: "collapses whitespace", in: "Target \t Co", want: "target"},
		{name: "drops dangling ampersand", in: "Tiffany & Co.", want: "tiffany"},
		{name: "keeps interior ampersand", in: "Procter & Gamble", want: "procter & gamble"},
		{name: "keeps hyphens", in: "Rolls-Royce Ltd", want: "rolls-royce"},
		{name: "drops punctuation", in: `"Acme" (North America)`, want: "acme north america"},
		{name: "empty", in: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeName(tt.in); got != tt.want {
				t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		in         string
		want       string
	}{
		{name: "company sheds suffix", entityType: EntityTypeCompany, in: "Acme Corp.", want: "acme"},
		{name: "metric keeps every word", entityType: EntityTypeFinancialMetric, in: "Net Revenue", want: "net revenue"},
		{name: "metric folds case", entityType: EntityTypeFinancialMetric, in: "  REVENUE ", want: "revenue"},
		{name: "person keeps suffix-looking word", entityType: EntityTypePerson, in: "Lia Ag", want: "lia ag"},
		{name: "risk folds punctuation", entityType: EntityTypeRisk, in: "Churn risk (enterprise)", want: "churn risk enterprise"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeKey(tt.entityType, tt.in); got != tt.want {
				t.Errorf("NormalizeKey(%q, %q) = %q, want %q", tt.entityType, tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeNameStableForIDs(t *testing.T) {
	variants := []string{"Acme Corp", "acme corp.", "ACME CORP, INC.", "Acme"}
	want := EntityID("deal-7", EntityTypeCompany, NormalizeName(variants[0]))
	for _, v := range variants {
		got := EntityID("deal-7", EntityTypeCompany, NormalizeName(v))
		if got != want {
			t.Errorf("EntityID for variant %q diverged", v)
		}
	}
}
