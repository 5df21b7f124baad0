package crosspost

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikwyss/poltrMVP/pkg/store"
)

func TestArgumentText_Prefixes(t *testing.T) {
	pro := store.Argument{Type: store.ArgumentPro, ReviewStatus: store.ReviewApproved, Title: "Climate", Body: "Good for the climate."}
	assert.Equal(t, "[PRO] Climate\n\nGood for the climate.", argumentText(pro))

	contra := store.Argument{Type: store.ArgumentContra, ReviewStatus: store.ReviewApproved, Title: "Costs", Body: "Too expensive."}
	assert.Equal(t, "[CONTRA] Costs\n\nToo expensive.", argumentText(contra))

	prelim := store.Argument{Type: store.ArgumentPro, ReviewStatus: store.ReviewPreliminary, Title: "Draft", Body: "Not yet reviewed."}
	assert.Equal(t, "[Preliminary] [PRO] Draft\n\nNot yet reviewed.", argumentText(prelim))
}

func TestArgumentText_TruncatesTo300(t *testing.T) {
	a := store.Argument{Type: store.ArgumentPro, ReviewStatus: store.ReviewApproved, Title: "Long", Body: strings.Repeat("x", 500)}
	got := argumentText(a)
	assert.Len(t, got, maxPostLength)
	assert.True(t, strings.HasPrefix(got, "[PRO] Long\n\n"))
}

func TestLinkFacet_ByteExactOffsets(t *testing.T) {
	url := "https://poltr.ch/ballot/3labc"
	text := "Energy act revision\n\n" + url

	facet := linkFacet(text, url)
	index := facet["index"].(map[string]any)
	start := index["byteStart"].(int)
	end := index["byteEnd"].(int)

	// The facet must cover exactly the URL's bytes within the text.
	assert.Equal(t, url, text[start:end])

	features := facet["features"].([]any)
	require.Len(t, features, 1)
	assert.Equal(t, url, features[0].(map[string]any)["uri"])
}

func TestExternalEmbed(t *testing.T) {
	embed := externalEmbed("https://poltr.ch/ballot/3labc", "Energy act", "Vote on June 9")
	assert.Equal(t, "app.bsky.embed.external", embed["$type"])
	external := embed["external"].(map[string]any)
	assert.Equal(t, "https://poltr.ch/ballot/3labc", external["uri"])
	assert.Equal(t, "Energy act", external["title"])
}

func TestTickNow_DoesNotBlock(t *testing.T) {
	w := New(nil, nil, nil, nil, "https://poltr.ch", func() bool { return false }, 0, nil)
	// Back-to-back requests coalesce instead of blocking the caller.
	w.TickNow()
	w.TickNow()
	w.TickNow()
}
