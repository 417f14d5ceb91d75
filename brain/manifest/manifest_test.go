package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/ir"
	"github.com/brainyard/brainrun/brain/manifest"
)

func TestResolveByTitleAndAlias(t *testing.T) {
	m := manifest.New()
	m.Register(&ir.Brain{Title: "daily-report", Description: "sends the daily report"}, "daily")

	byTitle, err := m.Resolve("daily-report")
	require.NoError(t, err)
	assert.Equal(t, "daily-report", byTitle.Title)

	byAlias, err := m.Resolve("daily")
	require.NoError(t, err)
	assert.Equal(t, "daily-report", byAlias.Title)

	_, err = m.Resolve("unknown")
	assert.ErrorIs(t, err, manifest.ErrUnknownBrain)
}

func TestListIsSortedByTitle(t *testing.T) {
	m := manifest.New()
	m.Register(&ir.Brain{Title: "zeta"})
	m.Register(&ir.Brain{Title: "alpha"})

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Title)
	assert.Equal(t, "zeta", list[1].Title)
}

func TestSearchMatchesTitleOrDescription(t *testing.T) {
	m := manifest.New()
	m.Register(&ir.Brain{Title: "onboarding", Description: "welcomes a new hire"})
	m.Register(&ir.Brain{Title: "offboarding", Description: "runs exit checklist"})

	matches := m.Search("hire")
	require.Len(t, matches, 1)
	assert.Equal(t, "onboarding", matches[0].Title)

	assert.Len(t, m.Search(""), 2)
}

func TestLoadAliasesYAMLAttachesToExistingBrain(t *testing.T) {
	m := manifest.New()
	m.Register(&ir.Brain{Title: "daily-report"})

	err := m.LoadAliasesYAML([]byte(`
- title: daily-report
  aliases: [daily, dr]
- title: nonexistent
  aliases: [ghost]
`))
	require.NoError(t, err)

	b, err := m.Resolve("dr")
	require.NoError(t, err)
	assert.Equal(t, "daily-report", b.Title)

	_, err = m.Resolve("ghost")
	assert.ErrorIs(t, err, manifest.ErrUnknownBrain)
}
