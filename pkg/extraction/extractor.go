// Package extraction finds medical entities in chunk text with
// rule-based, word-boundary vocabulary matching. Deduplication across
// chunks happens later in the graph store, keyed by
// (tenant, name, kind).
package extraction

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind is the closed set of entity kinds the extractor recognizes.
type Kind string

const (
	KindAnatomy   Kind = "anatomical_structure"
	KindCondition Kind = "condition"
	KindTreatment Kind = "treatment"
	KindDevice    Kind = "device"
)

// Kinds lists every recognized kind in stable order.
func Kinds() []Kind {
	return []Kind{KindAnatomy, KindCondition, KindTreatment, KindDevice}
}

// Entity is a single extracted occurrence within a chunk.
type Entity struct {
	Name          string  `json:"name"`
	Kind          Kind    `json:"kind"`
	Confidence    float64 `json:"confidence"`
	SourceChunkID string  `json:"source_chunk_id"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
}

// Extractor matches per-kind vocabularies against chunk text.
type Extractor struct {
	patterns map[Kind]*regexp.Regexp
}

// NewExtractor compiles the seed vocabularies.
func NewExtractor() (*Extractor, error) {
	return NewExtractorWithVocabulary(seedVocabulary())
}

// NewExtractorWithVocabulary compiles custom per-kind vocabularies.
// Terms are matched case-insensitively at word boundaries, longest
// term first.
func NewExtractorWithVocabulary(vocab map[Kind][]string) (*Extractor, error) {
	patterns := make(map[Kind]*regexp.Regexp, len(vocab))

	for kind, terms := range vocab {
		if len(terms) == 0 {
			continue
		}

		// Longer alternatives first so "anterior cruciate ligament"
		// wins over "ligament".
		sorted := make([]string, len(terms))
		copy(sorted, terms)
		sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

		quoted := make([]string, len(sorted))
		for i, term := range sorted {
			quoted[i] = regexp.QuoteMeta(term)
		}

		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("failed to compile vocabulary for kind %s: %w", kind, err)
		}
		patterns[kind] = re
	}

	return &Extractor{patterns: patterns}, nil
}

// Extract returns the entities found in content, one per distinct
// (name, kind) with the position of the first occurrence. Confidence
// is 1.0 for exact vocabulary matches.
func (e *Extractor) Extract(content, chunkID string) []Entity {
	var entities []Entity
	seen := make(map[string]bool)

	for _, kind := range Kinds() {
		re, ok := e.patterns[kind]
		if !ok {
			continue
		}
		for _, loc := range re.FindAllStringIndex(content, -1) {
			name := strings.ToLower(content[loc[0]:loc[1]])
			key := string(kind) + "\x00" + name
			if seen[key] {
				continue
			}
			seen[key] = true
			entities = append(entities, Entity{
				Name:          name,
				Kind:          kind,
				Confidence:    1.0,
				SourceChunkID: chunkID,
				Start:         loc[0],
				End:           loc[1],
			})
		}
	}

	return entities
}
