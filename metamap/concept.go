// ABOUTME: Concept record type for extraction results and the fielded-output line parser.
// ABOUTME: Provides utterance grouping so same-utterance concepts stay contiguous in output.
package metamap

import (
	"fmt"
	"strconv"
	"strings"
)

// Concept is a single extracted concept as reported by the engine's
// fielded output mode. One Concept corresponds to one data row in the
// per-file output record.
type Concept struct {
	CUI           string  // concept unique identifier
	Score         float64 // relevance/confidence score
	ConceptName   string  // raw concept text as matched
	PreferredName string  // canonical vocabulary name
	MatchedWords  string  // phrase in the source text that triggered the match
	SemTypes      []string
	Sources       []string
	Position      string // character-offset position info, e.g. "117/8"
	UtteranceID   string // grouping key; not emitted as its own column
}

// Fields returns the eight output columns for this concept, in header order.
func (c Concept) Fields() []string {
	return []string{
		c.CUI,
		strconv.FormatFloat(c.Score, 'f', 2, 64),
		c.ConceptName,
		c.PreferredName,
		c.MatchedWords,
		strings.Join(c.SemTypes, ";"),
		strings.Join(c.Sources, ";"),
		c.Position,
	}
}

// parseConceptLine parses one line of the engine's pipe-delimited fielded
// output. The expected layout is:
//
//	utteranceID|score|cui|conceptName|preferredName|matchedWords|semTypes|sources|position
//
// SemTypes and Sources are comma-separated within their field. Lines with
// fewer than nine fields are rejected.
func parseConceptLine(line string) (Concept, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 9 {
		return Concept{}, fmt.Errorf("fielded output line has %d fields, want 9: %q", len(parts), line)
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Concept{}, fmt.Errorf("parse score %q: %w", parts[1], err)
	}

	return Concept{
		UtteranceID:   strings.TrimSpace(parts[0]),
		Score:         score,
		CUI:           strings.TrimSpace(parts[2]),
		ConceptName:   strings.TrimSpace(parts[3]),
		PreferredName: strings.TrimSpace(parts[4]),
		MatchedWords:  strings.TrimSpace(parts[5]),
		SemTypes:      splitList(parts[6]),
		Sources:       splitList(parts[7]),
		Position:      strings.TrimSpace(parts[8]),
	}, nil
}

// splitList splits a comma-separated field into trimmed elements, dropping empties.
func splitList(field string) []string {
	var out []string
	for _, s := range strings.Split(field, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GroupByUtterance reorders concepts so that all concepts sharing an
// utterance ID are contiguous, preserving the engine's ordering of first
// appearance per utterance and the relative order within each utterance.
// Concepts with an empty utterance ID are left in place at the end.
func GroupByUtterance(concepts []Concept) []Concept {
	if len(concepts) < 2 {
		return concepts
	}

	order := make([]string, 0)
	groups := make(map[string][]Concept)
	var ungrouped []Concept

	for _, c := range concepts {
		if c.UtteranceID == "" {
			ungrouped = append(ungrouped, c)
			continue
		}
		if _, seen := groups[c.UtteranceID]; !seen {
			order = append(order, c.UtteranceID)
		}
		groups[c.UtteranceID] = append(groups[c.UtteranceID], c)
	}

	out := make([]Concept, 0, len(concepts))
	for _, id := range order {
		out = append(out, groups[id]...)
	}
	out = append(out, ungrouped...)
	return out
}
