package schedule

import (
	"context"
	"time"

	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Schedule")

type (
	// Game is one scheduled match as reported by a schedule provider.
	// StartTime is nil when the provider only knows the date.
	Game struct {
		MyTeamName       string
		OpponentTeamName string
		Location         string
		StartTime        *time.Time
		Source           string
	}

	// MatchSchedule looks up the game, if any, scheduled inside the window
	// provided. A nil Game with a nil error means the provider knows of no
	// game in that window.
	MatchSchedule interface {
		FindGame(ctx context.Context, windowStart time.Time, windowEnd time.Time) (*Game, error)
	}

	multiSchedule struct {
		providers []MatchSchedule
	}
)

// Composite chains schedule providers: the first provider to return a game
// wins. Provider errors are logged and skipped so one misconfigured source
// cannot mask another's answer.
func Composite(providers ...MatchSchedule) MatchSchedule {
	return &multiSchedule{providers: providers}
}

func (multi *multiSchedule) FindGame(ctx context.Context, windowStart time.Time, windowEnd time.Time) (*Game, error) {
	for _, provider := range multi.providers {
		game, err := provider.FindGame(ctx, windowStart, windowEnd)
		if err != nil {
			log.Warnf("Schedule provider failed: %v\n", err)
			continue
		}

		if game != nil {
			return game, nil
		}
	}

	return nil, nil
}
