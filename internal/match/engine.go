package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/judge"
	"github.com/codeduelhq/codeduel-platform/internal/metrics"
	"github.com/codeduelhq/codeduel-platform/internal/persist"
	"github.com/codeduelhq/codeduel-platform/internal/problem"
)

var (
	// ErrMatchEnded is returned for mutations on a terminal match.
	ErrMatchEnded = errors.New("match already ended")
	// ErrNotParticipant is returned when a player does not belong to a match.
	ErrNotParticipant = errors.New("player not in match")
	// ErrUnsupportedLanguage is returned for languages the sandbox cannot judge.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// ReservationClearer tears down a player's reservation at settlement.
type ReservationClearer interface {
	Clear(ctx context.Context, playerID string) error
}

// ArchiveSink receives settled matches for durable storage, fire-and-continue.
type ArchiveSink interface {
	Enqueue(archive persist.MatchArchive)
}

// RoomPresence lets settlement drop the room's presence marker.
type RoomPresence interface {
	Forget(ctx context.Context, roomID string) error
}

// Notifier pushes engine-driven events to connected clients. Implementations
// must not block; a nil notifier disables pushes.
type Notifier interface {
	MatchEnded(rec *Record)
}

// Participant is one half of a pairing, carrying the rating captured at
// claim time.
type Participant struct {
	PlayerID    string
	Rating      int
	GamesPlayed int
}

// EngineOptions configures match duration and the rating curve.
type EngineOptions struct {
	MaxDuration  time.Duration
	RatingConfig RatingConfig
}

// Engine is the match state machine: one logical writer per match id,
// serialized by the per-match distributed lock.
type Engine struct {
	state        *StateManager
	runner       judge.Runner
	analyzer     judge.Analyzer
	problems     problem.Selector
	reservations ReservationClearer
	archive      ArchiveSink
	presence     RoomPresence
	notifier     Notifier
	metrics      *metrics.Service
	logger       zerolog.Logger
	maxDuration  time.Duration
	ratingCfg    RatingConfig
}

// NewEngine creates the match engine. analyzer, presence, archive and metrics
// may be nil; the corresponding steps become no-ops.
func NewEngine(
	state *StateManager,
	runner judge.Runner,
	analyzer judge.Analyzer,
	problems problem.Selector,
	reservations ReservationClearer,
	archive ArchiveSink,
	presence RoomPresence,
	m *metrics.Service,
	opts EngineOptions,
	logger zerolog.Logger,
) *Engine {
	maxDuration := opts.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 45 * time.Minute
	}
	ratingCfg := opts.RatingConfig
	if ratingCfg.KNew == 0 {
		ratingCfg = DefaultRatingConfig()
	}
	return &Engine{
		state:        state,
		runner:       runner,
		analyzer:     analyzer,
		problems:     problems,
		reservations: reservations,
		archive:      archive,
		presence:     presence,
		metrics:      m,
		logger:       logger.With().Str("component", "match_engine").Logger(),
		maxDuration:  maxDuration,
		ratingCfg:    ratingCfg,
	}
}

// SetNotifier attaches the client push channel. Called once during wiring,
// before any match is created.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// MaxDuration returns the configured maximum match duration.
func (e *Engine) MaxDuration() time.Duration {
	return e.maxDuration
}

// Create transitions a pairing into an ongoing match: writes the record and
// mirrors it into the active set. The caller holds both players' reservations
// in the creating state and has bound them to matchID; passing an empty
// matchID generates one.
func (e *Engine) Create(ctx context.Context, matchID string, p1, p2 Participant, prob *problem.Problem, roomID, roomName string) (*Record, error) {
	if matchID == "" {
		matchID = uuid.New().String()
	}
	rec := &Record{
		MatchID:      matchID,
		RoomID:       roomID,
		RoomName:     roomName,
		ProblemID:    prob.ID,
		Players:      [2]string{p1.PlayerID, p2.PlayerID},
		Ratings:      map[string]int{p1.PlayerID: p1.Rating, p2.PlayerID: p2.Rating},
		GamesPlayed:  map[string]int{p1.PlayerID: p1.GamesPlayed, p2.PlayerID: p2.GamesPlayed},
		PlayersCode:  map[string]map[string]string{},
		LinesWritten: map[string]int{},
		Submissions:  []Submission{},
		Status:       StatusOngoing,
		StartedAt:    time.Now(),
	}

	if err := e.state.PutRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	if err := e.state.AddActive(ctx, rec.MatchID); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}

	if e.metrics != nil {
		e.metrics.MatchesStarted.Inc()
	}
	e.logger.Info().
		Str("match_id", rec.MatchID).
		Str("player1", p1.PlayerID).
		Str("player2", p2.PlayerID).
		Str("problem_id", prob.ID).
		Msg("match created")
	return rec, nil
}

// Get returns the live record for a match.
func (e *Engine) Get(ctx context.Context, matchID string) (*Record, error) {
	return e.state.GetRecord(ctx, matchID)
}

// UpdateCode overwrites the player's per-language code snapshot and line
// count. The persisted snapshot is authoritative for reload recovery.
func (e *Engine) UpdateCode(ctx context.Context, matchID, playerID, lang, source string) (*Record, error) {
	if !judge.SupportedLanguage(lang) {
		return nil, ErrUnsupportedLanguage
	}

	unlock, err := e.state.Lock(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("update code: %w", err)
	}
	defer unlock()

	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, ErrMatchEnded
	}
	if !rec.HasPlayer(playerID) {
		return nil, ErrNotParticipant
	}

	if rec.PlayersCode[playerID] == nil {
		rec.PlayersCode[playerID] = map[string]string{}
	}
	rec.PlayersCode[playerID][lang] = source
	rec.LinesWritten[playerID] = countLines(source)

	if err := e.state.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RunTests judges the player's code against the problem's visible cases.
// Advisory only: it never mutates the submission list.
func (e *Engine) RunTests(ctx context.Context, matchID, playerID, lang, source string) (*judge.Result, error) {
	if !judge.SupportedLanguage(lang) {
		return nil, ErrUnsupportedLanguage
	}

	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, ErrMatchEnded
	}
	if !rec.HasPlayer(playerID) {
		return nil, ErrNotParticipant
	}

	prob, err := e.problems.Get(ctx, rec.ProblemID)
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}

	start := time.Now()
	result, err := e.runner.RunTestCases(ctx, lang, source, prob.Signature, prob.VisibleCases)
	if e.metrics != nil {
		e.metrics.JudgeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}
	return result, nil
}

// SubmitResult is the outcome of a full submission.
type SubmitResult struct {
	Submission Submission
	Settled    bool
	Record     *Record
}

// Submit judges the player's code against the full suite and appends a
// submission record. A fully-passing submission that also clears the
// complexity check settles the match with the submitter as winner. A
// correctness pass that fails the complexity check is recorded as non-winning
// with a distinct reason so the player can retry. Judge failures are system
// errors: nothing is recorded.
func (e *Engine) Submit(ctx context.Context, matchID, playerID, lang, source string) (*SubmitResult, error) {
	if !judge.SupportedLanguage(lang) {
		return nil, ErrUnsupportedLanguage
	}

	unlock, err := e.state.Lock(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer unlock()

	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal() {
		return nil, ErrMatchEnded
	}
	if !rec.HasPlayer(playerID) {
		return nil, ErrNotParticipant
	}

	prob, err := e.problems.Get(ctx, rec.ProblemID)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	start := time.Now()
	result, err := e.runner.RunTestCases(ctx, lang, source, prob.Signature, prob.FullSuite())
	if e.metrics != nil {
		e.metrics.JudgeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Collaborator failure. Distinct from a wrong answer and must not
		// mutate match state.
		if e.metrics != nil {
			e.metrics.SubmissionsJudged.WithLabelValues("system_error").Inc()
		}
		return nil, fmt.Errorf("submit: %w", err)
	}

	sub := Submission{
		PlayerID:    playerID,
		Language:    lang,
		Passed:      result.AllPassed,
		PassedCount: result.PassedCount,
		TotalCount:  result.TotalCount,
		DurationMs:  result.DurationMs,
		SubmittedAt: time.Now(),
	}

	winning := result.AllPassed
	if winning && e.analyzer != nil && prob.ExpectedComplexity != "" {
		analysis, aerr := e.analyzer.Analyze(ctx, source, prob.ExpectedComplexity)
		if aerr != nil {
			// Best-effort signal; correctness stands on its own.
			e.logger.Warn().Err(aerr).Str("match_id", matchID).Msg("complexity analysis unavailable")
		} else if analysis.Verdict == judge.VerdictFail {
			winning = false
			sub.Reason = ReasonComplexityFailed
		}
	}
	if !result.AllPassed {
		sub.Reason = ReasonWrongAnswer
	}
	sub.Winning = winning

	rec.Submissions = append(rec.Submissions, sub)

	if e.metrics != nil {
		switch {
		case winning:
			e.metrics.SubmissionsJudged.WithLabelValues("won").Inc()
		case sub.Reason == ReasonComplexityFailed:
			e.metrics.SubmissionsJudged.WithLabelValues("complexity_failed").Inc()
		default:
			e.metrics.SubmissionsJudged.WithLabelValues("wrong_answer").Inc()
		}
	}

	if winning {
		rec, err = e.settleLocked(ctx, rec, playerID, EndReasonSubmission)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Submission: sub, Settled: true, Record: rec}, nil
	}

	if err := e.state.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	return &SubmitResult{Submission: sub, Settled: false, Record: rec}, nil
}

// ForceWin settles the match immediately with the given winner, bypassing the
// normal submission flow.
func (e *Engine) ForceWin(ctx context.Context, matchID, winnerID string) (*Record, error) {
	return e.forceSettle(ctx, matchID, winnerID)
}

// ForceLoss settles the match with the given player as loser. Used when an
// opponent (especially a bot) must be removed mid-match.
func (e *Engine) ForceLoss(ctx context.Context, matchID, loserID string) (*Record, error) {
	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !rec.HasPlayer(loserID) {
		return nil, ErrNotParticipant
	}
	return e.forceSettle(ctx, matchID, rec.Opponent(loserID))
}

func (e *Engine) forceSettle(ctx context.Context, matchID, winnerID string) (*Record, error) {
	unlock, err := e.state.Lock(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("force settle: %w", err)
	}
	defer unlock()

	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !rec.HasPlayer(winnerID) {
		return nil, ErrNotParticipant
	}
	return e.settleLocked(ctx, rec, winnerID, EndReasonForced)
}

// SettleTimeout settles an over-duration match as a draw. Idempotent: a match
// already terminal is returned unchanged.
func (e *Engine) SettleTimeout(ctx context.Context, matchID string) (*Record, error) {
	unlock, err := e.state.Lock(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("settle timeout: %w", err)
	}
	defer unlock()

	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return e.settleLocked(ctx, rec, "", EndReasonTimeout)
}

// Abandon settles a drifted match with no winner and the abandoned status.
// Used by the cleanup worker when an ongoing record has outlived every
// legitimate settlement path.
func (e *Engine) Abandon(ctx context.Context, matchID string) (*Record, error) {
	unlock, err := e.state.Lock(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("abandon: %w", err)
	}
	defer unlock()

	rec, err := e.state.GetRecord(ctx, matchID)
	if err != nil {
		return nil, err
	}
	return e.settleLocked(ctx, rec, "", EndReasonAbandoned)
}

// WatchTimeout blocks until the match's maximum duration elapses, then
// settles it as a draw if no winner has been determined. The cleanup worker
// backs this up if the process dies.
func (e *Engine) WatchTimeout(ctx context.Context, matchID string, startedAt time.Time) {
	deadline := startedAt.Add(e.maxDuration)
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Until(deadline)):
	}

	if _, err := e.SettleTimeout(ctx, matchID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		e.logger.Warn().Err(err).Str("match_id", matchID).Msg("timeout settlement failed")
	}
}

// settleLocked performs the terminal transition. The caller holds the match
// lock. Calling it on an already-terminal record is a no-op, because
// concurrent triggers (timeout sweep racing a submission) are expected.
func (e *Engine) settleLocked(ctx context.Context, rec *Record, winnerID, endReason string) (*Record, error) {
	if rec.Terminal() {
		return rec, nil
	}

	p1, p2 := rec.Players[0], rec.Players[1]
	score1 := scoreDraw
	switch winnerID {
	case p1:
		score1 = scoreWin
	case p2:
		score1 = scoreLoss
	}

	rec.RatingChanges = computeRatingChanges(
		p1, p2,
		rec.Ratings[p1], rec.Ratings[p2],
		rec.GamesPlayed[p1], rec.GamesPlayed[p2],
		score1, e.ratingCfg,
	)

	now := time.Now()
	rec.EndedAt = &now
	rec.EndReason = endReason
	rec.WinnerID = winnerID
	if endReason == EndReasonAbandoned {
		rec.Status = StatusAbandoned
	} else {
		rec.Status = StatusFinished
	}

	if err := e.state.PutRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("settle: %w", err)
	}
	if err := e.state.RemoveActive(ctx, rec.MatchID); err != nil {
		e.logger.Warn().Err(err).Str("match_id", rec.MatchID).Msg("active set removal failed")
	}

	for _, playerID := range rec.Players {
		if err := e.reservations.Clear(ctx, playerID); err != nil {
			e.logger.Warn().Err(err).Str("player_id", playerID).Msg("reservation clear failed")
		}
	}

	if e.presence != nil && rec.RoomID != "" {
		if err := e.presence.Forget(ctx, rec.RoomID); err != nil {
			e.logger.Warn().Err(err).Str("room_id", rec.RoomID).Msg("presence forget failed")
		}
	}

	if e.archive != nil {
		e.archive.Enqueue(e.buildArchive(rec))
	}

	if e.metrics != nil {
		e.metrics.MatchesSettled.WithLabelValues(endReason).Inc()
	}
	if e.notifier != nil {
		e.notifier.MatchEnded(rec)
	}

	e.logger.Info().
		Str("match_id", rec.MatchID).
		Str("winner_id", winnerID).
		Str("end_reason", endReason).
		Msg("match settled")
	return rec, nil
}

func (e *Engine) buildArchive(rec *Record) persist.MatchArchive {
	subs, err := marshalSubmissions(rec.Submissions)
	if err != nil {
		e.logger.Error().Err(err).Str("match_id", rec.MatchID).Msg("submissions marshal failed, archiving without them")
		subs = []byte("[]")
	}
	changes := make([]persist.RatingChange, len(rec.RatingChanges))
	for i, rc := range rec.RatingChanges {
		changes[i] = persist.RatingChange{
			PlayerID:  rc.PlayerID,
			OldRating: rc.OldRating,
			NewRating: rc.NewRating,
			Delta:     rc.Delta,
		}
	}

	var endedAt time.Time
	if rec.EndedAt != nil {
		endedAt = *rec.EndedAt
	}
	return persist.MatchArchive{
		MatchID:       rec.MatchID,
		ProblemID:     rec.ProblemID,
		Players:       []string{rec.Players[0], rec.Players[1]},
		WinnerID:      rec.WinnerID,
		Status:        rec.Status,
		EndReason:     rec.EndReason,
		StartedAt:     rec.StartedAt,
		EndedAt:       endedAt,
		Submissions:   subs,
		RatingChanges: changes,
	}
}

func countLines(source string) int {
	if source == "" {
		return 0
	}
	return strings.Count(source, "\n") + 1
}
