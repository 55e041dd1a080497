package ingest

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// unit is one token-capped slice of episode content sent to the
// extraction model. start and end are sentence offsets within the
// episode, index is the unit's position.
type unit struct {
	index int
	start int
	end   int
	text  string
}

// splitUnits breaks episode content into units of at most maxTokens
// tokens each, never cutting inside a sentence or a markdown table.
// Short evidence (a chat assertion, a single Q&A answer) comes back as
// one unit.
func splitUnits(text, encoder string, maxTokens int) ([]unit, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, err
	}
	count := func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
	return packUnits(splitSentences(text), count, maxTokens), nil
}

// packUnits greedily accumulates sentences into units, flushing when
// the next sentence would push a unit past maxTokens. A lone oversized
// sentence still becomes its own unit rather than being dropped.
func packUnits(sentences []string, count func(string) int, maxTokens int) []unit {
	if len(sentences) == 0 {
		return nil
	}

	var units []unit
	var buf []string
	bufStart := 0
	bufTokens := 0

	flush := func(end int) {
		if len(buf) == 0 {
			return
		}
		units = append(units, unit{
			index: len(units),
			start: bufStart,
			end:   end,
			text:  strings.Join(buf, " "),
		})
		buf = nil
		bufTokens = 0
	}

	for i, s := range sentences {
		n := count(s) + 1
		if bufTokens+n > maxTokens && len(buf) > 0 {
			flush(i)
		}
		if len(buf) == 0 {
			bufStart = i
		}
		buf = append(buf, s)
		bufTokens += n
	}
	flush(len(sentences))

	return units
}

var tableDelimiter = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && strings.Contains(trimmed, "|")
}

// splitSentences segments text into sentences. A markdown table counts
// as a single sentence so row/column relationships survive chunking.
func splitSentences(text string) []string {
	lines := strings.Split(text, "\n")

	var out []string
	var buf strings.Builder

	emit := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, s)
		}
		buf.Reset()
	}

	push := func(s string) {
		if buf.Len() > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(s)
		if terminated(s) {
			emit()
		}
	}

	inTable := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if inTable {
			if trimmed == "" || !isTableRow(line) {
				inTable = false
				emit()
				if trimmed != "" {
					for _, s := range splitLine(trimmed) {
						push(s)
					}
				}
			} else {
				buf.WriteString("\n")
				buf.WriteString(line)
			}
			continue
		}

		if isTableRow(line) {
			emit()
			if i+1 < len(lines) && tableDelimiter.MatchString(strings.TrimSpace(lines[i+1])) {
				inTable = true
				buf.WriteString(line)
			} else {
				out = append(out, trimmed)
			}
			continue
		}

		if trimmed == "" {
			emit()
			continue
		}
		for _, s := range splitLine(trimmed) {
			push(s)
		}
	}
	emit()

	return out
}

func terminated(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

// splitLine splits a single line on sentence terminators. Trailing
// quotes and brackets stay attached to their sentence; numbered list
// markers ("3. ") and decimals ("$4.8M") do not terminate.
func splitLine(line string) []string {
	var out []string
	var cur strings.Builder

	for i := 0; i < len(line); i++ {
		cur.WriteByte(line[i])
		if line[i] != '.' && line[i] != '!' && line[i] != '?' {
			continue
		}
		if line[i] == '.' && i > 0 && unicode.IsDigit(rune(line[i-1])) && i+1 < len(line) &&
			(line[i+1] == ' ' || unicode.IsDigit(rune(line[i+1]))) {
			continue
		}

		j := i + 1
		for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
			cur.WriteByte(line[j])
			j++
		}
		for j < len(line) && strings.ContainsRune(`"')]}`, rune(line[j])) {
			cur.WriteByte(line[j])
			j++
		}

		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		i = j - 1
	}

	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
