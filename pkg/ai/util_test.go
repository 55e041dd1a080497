package ai

import (
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type fact struct {
		Predicate string `json:"predicate"`
		Value     string `json:"value,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  fact
	}{
		{
			name:  "valid json object",
			input: `{"predicate":"has_revenue"}`,
			want:  fact{Predicate: "has_revenue"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{predicate: 'has_revenue'}`,
			want:  fact{Predicate: "has_revenue"},
		},
		{
			name:  "trailing comma",
			input: `{"predicate":"has_revenue",}`,
			want:  fact{Predicate: "has_revenue"},
		},
		{
			name:  "missing endbracket",
			input: `{"predicate":"has_revenue`,
			want:  fact{Predicate: "has_revenue"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{predicate: 'has_revenue'}"`,
			want:  fact{Predicate: "has_revenue"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"predicate\": \"has_revenue\"\n}\n",
			want:  fact{Predicate: "has_revenue"},
		},
		{
			name:  "duplicate leading brace no newlines",
			input: `{ { "predicate": "has_revenue" }`,
			want:  fact{Predicate: "has_revenue"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got fact
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Predicate != tc.want.Predicate || got.Value != tc.want.Value {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	type fact struct {
		Predicate string `json:"predicate"`
	}

	input := `[{predicate:'employs'},{predicate:'has_revenue',}]`
	var got []fact
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Predicate != "employs" || got[1].Predicate != "has_revenue" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want two facts employs,has_revenue", got)
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	type fact struct {
		Predicate string `json:"predicate"`
	}

	var got fact
	if err := UnmarshalFlexible("the target company grew", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
}

func TestUnmarshalFlexible_StringifiedPayloads(t *testing.T) {
	type draft struct {
		Subject   string   `json:"subject"`
		Predicate string   `json:"predicate"`
		Mentions  []string `json:"mentions"`
	}

	tests := []struct {
		name  string
		input string
		want  draft
	}{
		{
			name:  "simple stringified",
			input: `"{ \"subject\": \"TargetCo\", \"predicate\": \"has_revenue\", \"mentions\": [ \"TargetCo\", \"Acme Corp\" ] }"`,
			want:  draft{Subject: "TargetCo", Predicate: "has_revenue", Mentions: []string{"TargetCo", "Acme Corp"}},
		},
		{
			name:  "stringified with newlines",
			input: `"{\n  \"subject\": \"TargetCo\",\n  \"predicate\": \"faces_risk\",\n  \"mentions\": [\"TargetCo\", \"churn risk (enterprise segment)\"]\n  }\n"`,
			want:  draft{Subject: "TargetCo", Predicate: "faces_risk", Mentions: []string{"TargetCo", "churn risk (enterprise segment)"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got draft
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Subject != tc.want.Subject || got.Predicate != tc.want.Predicate {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
			if len(got.Mentions) != len(tc.want.Mentions) {
				t.Fatalf("UnmarshalFlexible() mentions length got = %d, want %d", len(got.Mentions), len(tc.want.Mentions))
			}
			for i := range got.Mentions {
				if got.Mentions[i] != tc.want.Mentions[i] {
					t.Fatalf("UnmarshalFlexible() mentions[%d] = %q, want %q", i, got.Mentions[i], tc.want.Mentions[i])
				}
			}
		})
	}
}

func TestChannelGuidance(t *testing.T) {
	tests := []struct {
		channel    string
		wantPrefix string
	}{
		{channel: "qa_response", wantPrefix: "qa_response ("},
		{channel: "document", wantPrefix: "document ("},
		{channel: "analyst_chat", wantPrefix: "analyst_chat ("},
		{channel: "something_else", wantPrefix: "something_else"},
	}

	for _, tc := range tests {
		t.Run(tc.channel, func(t *testing.T) {
			got := ChannelGuidance(tc.channel)
			if len(got) < len(tc.wantPrefix) || got[:len(tc.wantPrefix)] != tc.wantPrefix {
				t.Errorf("ChannelGuidance(%q) = %q, want prefix %q", tc.channel, got, tc.wantPrefix)
			}
		})
	}
}
