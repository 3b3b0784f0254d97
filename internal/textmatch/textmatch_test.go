package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "i had eggs log that", Normalize("I had eggs. Log THAT!"))
	assert.Equal(t, "dont forget", Normalize("Don't   forget…"))
	assert.Equal(t, "strasse", Normalize("STRASSE"))
	assert.Equal(t, "log that", Normalize("ｌｏｇ　ｔｈａｔ"), "full-width forms fold via NFKC")
	assert.Equal(t, "", Normalize(" ... "))
}

func TestContainsPhrase(t *testing.T) {
	t.Parallel()

	text := Normalize("Okay, log that please")
	assert.True(t, ContainsPhrase(text, "log that"))
	assert.False(t, ContainsPhrase(Normalize("catalog thatch"), "log that"))
	assert.False(t, ContainsPhrase(text, ""))
	assert.Equal(t, 4, Words(text))
}
