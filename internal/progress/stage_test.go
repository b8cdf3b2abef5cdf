package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	stages := Stages()
	for i := 1; i < len(stages); i++ {
		assert.True(t, stages[i-1].Before(stages[i]), "%s before %s", stages[i-1], stages[i])
	}
	assert.Equal(t, -1, Stage("bogus").Rank())
}

func TestStageTerminal(t *testing.T) {
	for _, s := range Stages() {
		want := s == StageStored || s == StageFailed
		assert.Equal(t, want, s.IsTerminal(), s.String())
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("ai_processing")
	require.NoError(t, err)
	assert.Equal(t, StageAIProcessing, s)

	_, err = ParseStage("cooking")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	t.Run("wire format", func(t *testing.T) {
		ev, err := Decode([]byte(`{"url":"https://example.com/pasta","stage":"stored","timestamp":1700000000000,"recipeId":42,"userId":"u1"}`))
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/pasta", ev.SubjectKey)
		assert.Equal(t, StageStored, ev.Stage)
		assert.Equal(t, int64(42), ev.RecipeID)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, int64(1700000000000), ev.Time().UnixMilli())
	})

	t.Run("rejects invalid events", func(t *testing.T) {
		for _, raw := range []string{
			`not json`,
			`{"stage":"stored"}`,
			`{"url":"x","stage":"boiling"}`,
		} {
			_, err := Decode([]byte(raw))
			assert.Error(t, err, raw)
		}
	})
}
