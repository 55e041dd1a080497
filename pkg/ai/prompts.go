package ai

import "fmt"

// ExtractSystemPrompt frames every extraction call.
const ExtractSystemPrompt = `You are a precise information extraction engine for an M&A due-diligence platform. You only ever answer with JSON that matches the requested schema.`

// ExtractFactsPrompt extracts temporal facts from one evidence unit.
// Placeholders: entity types, channel guidance, reference time,
// evidence text.
const ExtractFactsPrompt = `
# Task Context
You are extracting **structured temporal facts** from evidence collected during a due-diligence review of a target company. Each fact is a subject-predicate-object statement that became true at some point in time.

# Background Data
- **Entity_types:** [%s]
- **Channel:** %s
- **Reference_time:** %s (when this evidence was authored; use it to resolve relative dates such as "last quarter")

# Evidence
%s

# Detailed Task Description & Rules
## Entity Mentions
1. Identify every entity of the given types that participates in a fact.
2. For each mention provide:
   - **name:** the surface form exactly as written in the text (e.g. "TargetCo GmbH", not "TARGETCO").
   - **type:** one of the provided entity types.
3. Never invent entities the text does not mention. Pronouns resolve to the nearest named entity.

## Fact Extraction
1. Extract every checkable statement the text makes about a mentioned entity. Do not omit explicit figures, dates, counts, or named risks.
2. For each fact provide:
   - **subject:** name of the subject entity; it must appear in the mentions list.
   - **subject_type:** type of the subject entity.
   - **predicate:** a short snake_case relation, e.g. "has_revenue", "employs", "acquired", "faces_risk", "headquartered_in".
   - **object_entity:** name of the object entity when the object is itself one of the given entity types, otherwise null.
   - **object_entity_type:** type of the object entity when object_entity is set, otherwise null.
   - **object_value:** the literal value exactly as written (e.g. "$4.8M", "250", "Berlin office lease"), when the object is not an entity, otherwise null.
   - **content:** one complete sentence restating the fact in plain language with the subject named explicitly.
   - **valid_at:** ISO 8601 timestamp for when the fact became true, only when the text states or clearly implies it (e.g. "as of Q3 2024", "since January"); otherwise null.
3. Exactly one of object_entity and object_value must be set for every fact.
4. Keep figures verbatim. Never normalize "$4.8M" into "4800000" or reformat dates inside object_value.
5. When the text corrects an earlier statement ("actually", "revised to", "correction:"), extract only the corrected fact.
6. When the text hedges ("approximately", "we believe"), still extract the fact and keep the hedge inside content.

# Output Formatting
Return a single JSON object matching the requested schema: a "mentions" array and a "facts" array. Output must be valid JSON only (no commentary, no markdown fences).
`

// ExtractRetryAppendix is appended to the extraction prompt when the
// first response failed validation. Placeholder: the validation errors.
const ExtractRetryAppendix = `
# Previous Attempt Errors
Your previous response could not be used:
%s

Correct these problems and answer again. Return **only** a valid JSON object that exactly matches the requested schema. Every fact must set exactly one of object_entity and object_value, every subject must appear in the mentions list, and every type must come from the provided entity types.
`

var channelGuidance = map[string]string{
	"document":     "formal document excerpt from the data room; statements are authoritative as of the document date",
	"qa_response":  "a written answer from the target company to a diligence question; this is the most authoritative channel and often corrects earlier documents",
	"analyst_chat": "informal analyst discussion; statements are working hypotheses and may use shorthand or pronouns",
}

// ChannelGuidance describes how to read evidence from a channel, for
// interpolation into extraction prompts.
func ChannelGuidance(channel string) string {
	if g, ok := channelGuidance[channel]; ok {
		return fmt.Sprintf("%s (%s)", channel, g)
	}
	return channel
}
