package game

import (
	"fmt"
	"strconv"

	"github.com/dev-simeon/multiplayer-quiz-game-server/internal/models"
)

// Bounds for each mutable setting.
const (
	MinQuestionsPerPlayer = 1
	MaxQuestionsPerPlayer = 20
	MinTurnTimeoutSec     = 5
	MaxTurnTimeoutSec     = 60
	MinStealTimeoutSec    = 3
	MaxStealTimeoutSec    = 30
	MinBonusForSteal      = 0
	MaxBonusForSteal      = 5
)

// ValidateSettings merges a patch over base settings. Out-of-range values
// fail the whole patch; unknown keys are silently dropped.
func ValidateSettings(base models.GameSettings, patch map[string]any) (models.GameSettings, error) {
	merged := base
	for key, value := range patch {
		switch key {
		case "questionsPerPlayer":
			n, err := boundedInt(key, value, MinQuestionsPerPlayer, MaxQuestionsPerPlayer)
			if err != nil {
				return base, err
			}
			merged.QuestionsPerPlayer = n
		case "turnTimeoutSec":
			n, err := boundedInt(key, value, MinTurnTimeoutSec, MaxTurnTimeoutSec)
			if err != nil {
				return base, err
			}
			merged.TurnTimeoutSec = n
		case "stealTimeoutSec":
			n, err := boundedInt(key, value, MinStealTimeoutSec, MaxStealTimeoutSec)
			if err != nil {
				return base, err
			}
			merged.StealTimeoutSec = n
		case "bonusForSteal":
			n, err := boundedInt(key, value, MinBonusForSteal, MaxBonusForSteal)
			if err != nil {
				return base, err
			}
			merged.BonusForSteal = n
		case "allowSteal":
			b, ok := asBool(value)
			if !ok {
				return base, fmt.Errorf("%w: allowSteal must be a boolean", ErrInvalidSettings)
			}
			merged.AllowSteal = b
		default:
			// Unrecognized keys are ignored.
		}
	}
	return merged, nil
}

func boundedInt(key string, value any, min, max int) (int, error) {
	n, ok := asInt(value)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidSettings, key)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidSettings, key, min, max)
	}
	return n, nil
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func asBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}
