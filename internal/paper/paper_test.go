package paper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func result(topic, id string) Result {
	return Result{Topic: topic, Document: Document{ID: id}}
}

func TestGroupByTopicPreservesOrder(t *testing.T) {
	groups := GroupByTopic([]Result{
		result("Security", "3"),
		result("Software Engineering", "1"),
		result("Security", "4"),
		result("Software Engineering", "2"),
	})

	require.Len(t, groups, 2)
	assert.Equal(t, "Security", groups[0].Topic)
	assert.Equal(t, "Software Engineering", groups[1].Topic)
	assert.Equal(t, "3", groups[0].Results[0].Document.ID)
	assert.Equal(t, "4", groups[0].Results[1].Document.ID)
	assert.Equal(t, "1", groups[1].Results[0].Document.ID)
	assert.Equal(t, 4, Count(groups))
}

func TestGroupByTopicEmpty(t *testing.T) {
	assert.Empty(t, GroupByTopic(nil))
	assert.Equal(t, 0, Count(nil))
}

func TestDocumentDisplayHelpers(t *testing.T) {
	d := Document{
		Authors:    []string{"Alice Smith", "Bob Johnson"},
		Categories: []string{"cs.SE", "cs.AI"},
		Published:  time.Date(2026, 10, 14, 23, 30, 0, 0, time.FixedZone("X", -2*3600)),
	}
	assert.Equal(t, "Alice Smith, Bob Johnson", d.AuthorList())
	assert.Equal(t, "cs.SE, cs.AI", d.CategoryList())
	assert.Equal(t, "2026-10-15", d.PublishedDate())
	assert.Empty(t, Document{}.PublishedDate())
}
