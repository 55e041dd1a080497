package ingest

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-playground/validator"

	"github.com/hoferino/manda-platform-sub010/pkg/common"
)

// mentionDraft is one entity reference reported by the extraction
// model, before resolution.
type mentionDraft struct {
	Name string `json:"name" validate:"required" jsonschema_description:"Entity name exactly as written in the evidence"`
	Type string `json:"type" validate:"required" jsonschema_description:"One of the provided entity types"`
}

// factDraft is one candidate fact reported by the extraction model.
// Exactly one of ObjectEntity and ObjectValue is set.
type factDraft struct {
	Subject          string `json:"subject" validate:"required" jsonschema_description:"Name of the subject entity"`
	SubjectType      string `json:"subject_type" validate:"required" jsonschema_description:"Type of the subject entity"`
	Predicate        string `json:"predicate" validate:"required" jsonschema_description:"Short snake_case relation, e.g. has_revenue"`
	ObjectEntity     string `json:"object_entity" jsonschema_description:"Name of the object entity, or null when the object is a literal value"`
	ObjectEntityType string `json:"object_entity_type" jsonschema_description:"Type of the object entity when object_entity is set, otherwise null"`
	ObjectValue      string `json:"object_value" jsonschema_description:"Literal object value exactly as written, or null when the object is an entity"`
	Content          string `json:"content" validate:"required" jsonschema_description:"One sentence restating the fact with the subject named explicitly"`
	ValidAt          string `json:"valid_at" jsonschema_description:"ISO 8601 time the fact became true, or null when the evidence does not say"`
}

// extraction is the response schema the model must return for one unit.
type extraction struct {
	Mentions []mentionDraft `json:"mentions" validate:"dive" jsonschema_description:"Entity mentions found in the evidence"`
	Facts    []factDraft    `json:"facts" validate:"dive" jsonschema_description:"Temporal facts found in the evidence"`
}

var validate = validator.New()

// checkExtraction returns every reason the payload cannot be used. An
// empty result means the extraction is well formed. The reasons feed
// the stricter retry prompt, so they are written for the model, not
// for operators.
func checkExtraction(x extraction, entityTypes []string) []string {
	var problems []string

	if err := validate.Struct(x); err != nil {
		problems = append(problems, err.Error())
	}

	allowed := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		allowed[t] = true
	}

	for i, m := range x.Mentions {
		if m.Type != "" && !allowed[m.Type] {
			problems = append(problems, fmt.Sprintf("mentions[%d]: unknown entity type %q", i, m.Type))
		}
	}

	for i, f := range x.Facts {
		if f.SubjectType != "" && !allowed[f.SubjectType] {
			problems = append(problems, fmt.Sprintf("facts[%d]: unknown subject_type %q", i, f.SubjectType))
		}
		hasEntity := f.ObjectEntity != ""
		hasValue := f.ObjectValue != ""
		if hasEntity == hasValue {
			problems = append(problems, fmt.Sprintf("facts[%d]: exactly one of object_entity and object_value must be set", i))
		}
		if hasEntity && !allowed[f.ObjectEntityType] {
			problems = append(problems, fmt.Sprintf("facts[%d]: unknown object_entity_type %q", i, f.ObjectEntityType))
		}
		if f.ValidAt != "" {
			if _, err := dateparse.ParseAny(f.ValidAt); err != nil {
				problems = append(problems, fmt.Sprintf("facts[%d]: unparseable valid_at %q", i, f.ValidAt))
			}
		}
	}

	return problems
}

// merged accumulates extraction output across the units of one episode.
// Mentions are deduplicated by normalized key; the insertion order is
// kept so resolution runs deterministically.
type merged struct {
	mentions map[string]mentionDraft
	order    []string
	facts    []factDraft
}

func newMerged() *merged {
	return &merged{mentions: map[string]mentionDraft{}}
}

func (m *merged) add(x extraction) {
	for _, mn := range x.Mentions {
		m.addMention(mn)
	}
	for _, f := range x.Facts {
		// Fact endpoints double as mentions; the model sometimes omits
		// them from the mentions list.
		m.addMention(mentionDraft{Name: f.Subject, Type: f.SubjectType})
		if f.ObjectEntity != "" {
			m.addMention(mentionDraft{Name: f.ObjectEntity, Type: f.ObjectEntityType})
		}
		m.facts = append(m.facts, f)
	}
}

func (m *merged) addMention(mn mentionDraft) {
	key := mentionKey(mn.Type, mn.Name)
	if _, ok := m.mentions[key]; ok {
		return
	}
	m.mentions[key] = mn
	m.order = append(m.order, key)
}

// mentionKey scopes the normalized name by entity type so same-named
// mentions of different types stay distinct.
func mentionKey(entityType, name string) string {
	return entityType + "\x1f" + common.NormalizeKey(entityType, name)
}

// factValidAt prefers the extractor's timestamp and falls back to the
// episode reference time when the model gave none.
func factValidAt(draft factDraft, fallback time.Time) time.Time {
	if draft.ValidAt == "" {
		return fallback
	}
	t, err := dateparse.ParseAny(draft.ValidAt)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
