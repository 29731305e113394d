package ingest

import (
	"regexp"
	"strings"
)

// Section is one independently tracked unit of a streamed document.
type Section struct {
	Position int
	Type     string
	Content  string
}

// Section types.
const (
	SectionParagraph = "paragraph"
	SectionHeading   = "heading"
	SectionTable     = "table"
)

var (
	headingRe = regexp.MustCompile(`^\s{0,3}#{1,6}\s`)
	tableRe   = regexp.MustCompile(`^\s*\|.*\|\s*$`)

	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	// RE2 has no backreferences, so runs of the same punctuation mark
	// are spelled out per character instead of `([.!?,;:-])\1{2,}`.
	punctRunRe = regexp.MustCompile(`(\.)\.{2,}|(!)!{2,}|(\?)\?{2,}|(,),{2,}|(;);{2,}|(:):{2,}|(-)-{2,}`)

	sentenceEndRe = regexp.MustCompile(`[.!?]\s`)
)

// compressSection collapses whitespace runs and compacts repeated
// punctuation so streamed sections stay dense.
func compressSection(s string) string {
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = punctRunRe.ReplaceAllString(s, "$1$2$3$4$5$6$7")
	return strings.TrimSpace(s)
}

func sectionType(block string) string {
	firstLine := block
	if idx := strings.IndexByte(block, '\n'); idx >= 0 {
		firstLine = block[:idx]
	}
	switch {
	case headingRe.MatchString(firstLine):
		return SectionHeading
	case tableRe.MatchString(firstLine):
		return SectionTable
	default:
		return SectionParagraph
	}
}

// SplitSections breaks content into compressed sections on blank-line
// boundaries. Sections longer than maxSize are further split on
// sentence boundaries; a sentence longer than maxSize is hard-cut.
func SplitSections(content string, maxSize int) []Section {
	if maxSize <= 0 {
		maxSize = 2000
	}

	var sections []Section
	position := 0
	emit := func(kind, text string) {
		text = compressSection(text)
		if text == "" {
			return
		}
		sections = append(sections, Section{Position: position, Type: kind, Content: text})
		position++
	}

	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		kind := sectionType(block)
		if len(block) <= maxSize {
			emit(kind, block)
			continue
		}

		for _, piece := range splitBySentence(block, maxSize) {
			emit(kind, piece)
		}
	}

	return sections
}

// splitBySentence accumulates sentences up to maxSize per piece.
func splitBySentence(text string, maxSize int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}

	start := 0
	bounds := sentenceEndRe.FindAllStringIndex(text, -1)
	for _, b := range append(bounds, []int{len(text), len(text)}) {
		sentence := text[start:min(b[1], len(text))]
		start = b[1]
		if sentence == "" {
			continue
		}

		// A single run-on sentence beyond maxSize is hard-cut.
		for len(sentence) > maxSize {
			flush()
			pieces = append(pieces, sentence[:maxSize])
			sentence = sentence[maxSize:]
		}

		if current.Len()+len(sentence) > maxSize {
			flush()
		}
		current.WriteString(sentence)
	}
	flush()

	return pieces
}
