package peerreview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRubric_Default(t *testing.T) {
	r, err := LoadRubric("")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"factual_accuracy", "relevance", "clarity", "unity_of_thought", "non_duplication",
	}, r.Keys())
	assert.True(t, r.Has("clarity"))
	assert.False(t, r.Has("vibes"))
}

// TestLoadRubric_AcceptsJSON checks the JSON criteria list the reference
// deployment shipped in PEER_REVIEW_CRITERIA still parses (YAML is a JSON
// superset).
func TestLoadRubric_AcceptsJSON(t *testing.T) {
	r, err := LoadRubric(`[{"key":"factual_accuracy","label":"Factual Accuracy"},{"key":"relevance","label":"Relevance to Ballot"}]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"factual_accuracy", "relevance"}, r.Keys())
}

func TestLoadRubric_Rejects(t *testing.T) {
	_, err := LoadRubric(`[]`)
	assert.Error(t, err)

	_, err = LoadRubric(`[{"label":"No key"}]`)
	assert.Error(t, err)

	_, err = LoadRubric(`{{not yaml`)
	assert.Error(t, err)
}
