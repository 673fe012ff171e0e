package match

import "math"

// Outcome scores from player one's perspective.
const (
	scoreWin  = 1.0
	scoreDraw = 0.5
	scoreLoss = 0.0
)

// RatingConfig holds the K-factor curve. The exact curve is product policy,
// so it stays configurable rather than a fixed contract.
type RatingConfig struct {
	KNew    float64 // under 10 games
	KMid    float64 // 10-19 games
	KStable float64 // 20+ games
}

// DefaultRatingConfig mirrors the standard provisional-rating curve.
func DefaultRatingConfig() RatingConfig {
	return RatingConfig{KNew: 40, KMid: 32, KStable: 24}
}

func (c RatingConfig) kFactor(gamesPlayed int) float64 {
	switch {
	case gamesPlayed < 10:
		return c.KNew
	case gamesPlayed < 20:
		return c.KMid
	default:
		return c.KStable
	}
}

func expectedScore(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingB-ratingA)/400.0))
}

// computeRatingChanges runs a symmetric ELO update for both participants.
// score1 is player one's outcome: 1 win, 0.5 draw, 0 loss. A draw is a
// half-point expected outcome on both sides.
func computeRatingChanges(p1, p2 string, r1, r2, games1, games2 int, score1 float64, cfg RatingConfig) []RatingChange {
	exp1 := expectedScore(float64(r1), float64(r2))
	exp2 := 1.0 - exp1

	new1 := int(math.Round(float64(r1) + cfg.kFactor(games1)*(score1-exp1)))
	new2 := int(math.Round(float64(r2) + cfg.kFactor(games2)*((1.0-score1)-exp2)))

	return []RatingChange{
		{PlayerID: p1, OldRating: r1, NewRating: new1, Delta: new1 - r1},
		{PlayerID: p2, OldRating: r2, NewRating: new2, Delta: new2 - r2},
	}
}
