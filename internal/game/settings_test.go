package game

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
)

func TestValidateSettings_MergesOverBase(t *testing.T) {
	base := models.DefaultGameSettings()

	merged, err := ValidateSettings(base, map[string]any{
		"questionsPerPlayer": float64(3), // json numbers decode as float64
		"allowSteal":         false,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, merged.QuestionsPerPlayer)
	assert.False(t, merged.AllowSteal)
	assert.Equal(t, base.TurnTimeoutSec, merged.TurnTimeoutSec, "untouched fields keep base values")
	assert.Equal(t, base.StealTimeoutSec, merged.StealTimeoutSec)
}

func TestValidateSettings_RejectsOutOfRange(t *testing.T) {
	base := models.DefaultGameSettings()

	cases := []struct {
		name  string
		patch map[string]any
	}{
		{"questionsPerPlayer too high", map[string]any{"questionsPerPlayer": 21}},
		{"questionsPerPlayer zero", map[string]any{"questionsPerPlayer": 0}},
		{"turnTimeoutSec too low", map[string]any{"turnTimeoutSec": 4}},
		{"turnTimeoutSec too high", map[string]any{"turnTimeoutSec": 61}},
		{"stealTimeoutSec too low", map[string]any{"stealTimeoutSec": 2}},
		{"bonusForSteal negative", map[string]any{"bonusForSteal": -1}},
		{"bonusForSteal too high", map[string]any{"bonusForSteal": 6}},
		{"non-integer value", map[string]any{"turnTimeoutSec": 12.5}},
		{"wrong type for allowSteal", map[string]any{"allowSteal": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateSettings(base, tc.patch)
			assert.ErrorIs(t, err, ErrInvalidSettings)
			assert.Equal(t, base, got, "a failed patch must leave base untouched")
		})
	}
}

func TestValidateSettings_OneBadFieldFailsWholePatch(t *testing.T) {
	base := models.DefaultGameSettings()
	got, err := ValidateSettings(base, map[string]any{
		"questionsPerPlayer": 3,
		"turnTimeoutSec":     999,
	})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.Equal(t, base, got)
}

func TestValidateSettings_IgnoresUnknownKeys(t *testing.T) {
	base := models.DefaultGameSettings()
	merged, err := ValidateSettings(base, map[string]any{
		"someFutureKnob": 42,
		"turnTimeoutSec": 20,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, merged.TurnTimeoutSec)
}

func TestValidateSettings_AcceptsStringNumbersAndBools(t *testing.T) {
	base := models.DefaultGameSettings()
	merged, err := ValidateSettings(base, map[string]any{
		"stealTimeoutSec": "10",
		"allowSteal":      "false",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, merged.StealTimeoutSec)
	assert.False(t, merged.AllowSteal)
}
