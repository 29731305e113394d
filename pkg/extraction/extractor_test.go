package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFindsEntitiesAcrossKinds(t *testing.T) {
	e, err := NewExtractor()
	require.NoError(t, err)

	content := "After an Anterior Cruciate Ligament tear, the knee is often " +
		"protected with a knee brace before physical therapy begins."

	entities := e.Extract(content, "chunk-1")
	require.NotEmpty(t, entities)

	byKey := make(map[string]Entity)
	for _, ent := range entities {
		byKey[string(ent.Kind)+"/"+ent.Name] = ent
	}

	assert.Contains(t, byKey, "condition/anterior cruciate ligament tear")
	assert.Contains(t, byKey, "anatomical_structure/knee")
	assert.Contains(t, byKey, "device/knee brace")
	assert.Contains(t, byKey, "treatment/physical therapy")

	for _, ent := range entities {
		assert.Equal(t, 1.0, ent.Confidence)
		assert.Equal(t, "chunk-1", ent.SourceChunkID)
		assert.LessOrEqual(t, ent.Start, ent.End)
		assert.LessOrEqual(t, ent.End, len(content))
	}
}

func TestExtractPrefersLongestMatch(t *testing.T) {
	e, err := NewExtractor()
	require.NoError(t, err)

	entities := e.Extract("The anterior cruciate ligament stabilizes the joint.", "c")

	var names []string
	for _, ent := range entities {
		if ent.Kind == KindAnatomy {
			names = append(names, ent.Name)
		}
	}
	assert.Contains(t, names, "anterior cruciate ligament")
	assert.NotContains(t, names, "ligament", "shorter term must not also match inside the longer one")
}

func TestExtractIsCaseInsensitive(t *testing.T) {
	e, err := NewExtractor()
	require.NoError(t, err)

	upper := e.Extract("MENISCUS TEAR after injury", "c")
	lower := e.Extract("meniscus tear after injury", "c")

	require.NotEmpty(t, upper)
	assert.Equal(t, len(lower), len(upper))
	assert.Equal(t, "meniscus tear", upper[len(upper)-1].Name)
}

func TestExtractWordBoundaries(t *testing.T) {
	e, err := NewExtractorWithVocabulary(map[Kind][]string{
		KindAnatomy: {"hip"},
	})
	require.NoError(t, err)

	assert.Empty(t, e.Extract("the ship sailed", "c"), "hip inside ship must not match")
	assert.Len(t, e.Extract("the hip flexor", "c"), 1)
}

func TestExtractDeduplicatesWithinChunk(t *testing.T) {
	e, err := NewExtractor()
	require.NoError(t, err)

	entities := e.Extract("knee pain, knee swelling, knee stiffness", "c")

	count := 0
	for _, ent := range entities {
		if ent.Name == "knee" {
			count++
		}
	}
	assert.Equal(t, 1, count, "one entity per (name, kind) per chunk")
}

func TestExtractEmptyContent(t *testing.T) {
	e, err := NewExtractor()
	require.NoError(t, err)

	assert.Empty(t, e.Extract("", "c"))
	assert.Empty(t, e.Extract("nothing medical here at all", "c"))
}
