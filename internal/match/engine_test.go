package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeduelhq/codeduel-platform/internal/judge"
	"github.com/codeduelhq/codeduel-platform/internal/persist"
	"github.com/codeduelhq/codeduel-platform/internal/problem"
)

type stubRunner struct {
	result *judge.Result
	err    error
	calls  int
}

func (s *stubRunner) RunTestCases(ctx context.Context, lang, source, signature string, cases []problem.TestCase) (*judge.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := *s.result
	return &out, nil
}

type stubAnalyzer struct {
	verdict string
	err     error
}

func (s *stubAnalyzer) Analyze(ctx context.Context, code, expectedComplexity string) (*judge.Analysis, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &judge.Analysis{DerivedComplexity: "O(n)", Verdict: s.verdict}, nil
}

type stubClearer struct {
	mu      sync.Mutex
	cleared []string
}

func (s *stubClearer) Clear(ctx context.Context, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, playerID)
	return nil
}

type stubArchive struct {
	mu       sync.Mutex
	archives []persist.MatchArchive
}

func (s *stubArchive) Enqueue(archive persist.MatchArchive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives = append(s.archives, archive)
}

type stubPresence struct {
	mu        sync.Mutex
	forgotten []string
}

func (s *stubPresence) Forget(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, roomID)
	return nil
}

type engineFixture struct {
	engine   *Engine
	state    *StateManager
	runner   *stubRunner
	analyzer *stubAnalyzer
	clearer  *stubClearer
	archive  *stubArchive
	presence *stubPresence
}

func setupEngine(t *testing.T, runner *stubRunner, analyzer *stubAnalyzer) *engineFixture {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	state := NewStateManager(client, zerolog.Nop(), time.Hour)
	catalog := problem.NewCatalog(problem.DefaultProblems(), problem.BandThresholds{})
	clearer := &stubClearer{}
	archive := &stubArchive{}
	tracker := &stubPresence{}

	var a judge.Analyzer
	if analyzer != nil {
		a = analyzer
	}
	eng := NewEngine(state, runner, a, catalog, clearer, archive, tracker, nil, EngineOptions{}, zerolog.Nop())
	return &engineFixture{
		engine:   eng,
		state:    state,
		runner:   runner,
		analyzer: analyzer,
		clearer:  clearer,
		archive:  archive,
		presence: tracker,
	}
}

func createMatch(t *testing.T, f *engineFixture) *Record {
	t.Helper()
	ctx := context.Background()
	prob, err := f.engine.problems.Get(ctx, "two-sum")
	require.NoError(t, err)

	rec, err := f.engine.Create(ctx, "",
		Participant{PlayerID: "alice", Rating: 1200, GamesPlayed: 30},
		Participant{PlayerID: "bob", Rating: 1200, GamesPlayed: 30},
		prob, "room-1", "Duel Room 1")
	require.NoError(t, err)
	return rec
}

func passingResult(total int) *judge.Result {
	return &judge.Result{AllPassed: true, PassedCount: total, TotalCount: total, DurationMs: 120}
}

func TestCreateRegistersActiveMatch(t *testing.T) {
	f := setupEngine(t, &stubRunner{}, nil)
	ctx := context.Background()

	rec := createMatch(t, f)

	got, err := f.engine.Get(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, got.Status)
	assert.Equal(t, [2]string{"alice", "bob"}, got.Players)
	assert.Equal(t, "two-sum", got.ProblemID)

	active, err := f.state.IsActive(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestUpdateCodeKeepsPerLanguageSnapshot(t *testing.T) {
	f := setupEngine(t, &stubRunner{}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	_, err := f.engine.UpdateCode(ctx, rec.MatchID, "alice", judge.LangPython, "def twoSum(nums, target):\n    pass")
	require.NoError(t, err)
	got, err := f.engine.UpdateCode(ctx, rec.MatchID, "alice", judge.LangJavaScript, "function twoSum(nums, target) {}")
	require.NoError(t, err)

	assert.Equal(t, "def twoSum(nums, target):\n    pass", got.PlayersCode["alice"][judge.LangPython])
	assert.Equal(t, "function twoSum(nums, target) {}", got.PlayersCode["alice"][judge.LangJavaScript])
	assert.Equal(t, 1, got.LinesWritten["alice"])

	_, err = f.engine.UpdateCode(ctx, rec.MatchID, "mallory", judge.LangPython, "x")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.engine.UpdateCode(ctx, rec.MatchID, "alice", "cobol", "x")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestRunTestsDoesNotMutateRecord(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: &judge.Result{AllPassed: false, PassedCount: 1, TotalCount: 2}}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	result, err := f.engine.RunTests(ctx, rec.MatchID, "alice", judge.LangPython, "code")
	require.NoError(t, err)
	assert.False(t, result.AllPassed)

	got, err := f.engine.Get(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Empty(t, got.Submissions)
	assert.Equal(t, StatusOngoing, got.Status)
}

func TestSubmitWrongAnswerContinuesMatch(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: &judge.Result{AllPassed: false, PassedCount: 3, TotalCount: 4}}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	result, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "wrong")
	require.NoError(t, err)
	assert.False(t, result.Settled)
	assert.False(t, result.Submission.Winning)
	assert.Equal(t, ReasonWrongAnswer, result.Submission.Reason)

	got, err := f.engine.Get(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, got.Status)
	require.Len(t, got.Submissions, 1)
	assert.Equal(t, "alice", got.Submissions[0].PlayerID)
	assert.Empty(t, f.archive.archives)
}

func TestSubmitAllPassedSettlesAsWinner(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: passingResult(4)}, &stubAnalyzer{verdict: judge.VerdictPass})
	ctx := context.Background()
	rec := createMatch(t, f)

	result, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "right")
	require.NoError(t, err)
	assert.True(t, result.Settled)
	assert.True(t, result.Submission.Winning)

	got := result.Record
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, "alice", got.WinnerID)
	assert.Equal(t, EndReasonSubmission, got.EndReason)
	require.NotNil(t, got.EndedAt)
	require.Len(t, got.RatingChanges, 2)
	assert.Equal(t, 12, got.RatingChanges[0].Delta)
	assert.Equal(t, -12, got.RatingChanges[1].Delta)

	// Settlement tears down all coordination state.
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.clearer.cleared)
	assert.Equal(t, []string{"room-1"}, f.presence.forgotten)
	require.Len(t, f.archive.archives, 1)
	assert.Equal(t, rec.MatchID, f.archive.archives[0].MatchID)

	active, err := f.state.IsActive(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSubmitComplexityFailedDoesNotWin(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: passingResult(4)}, &stubAnalyzer{verdict: judge.VerdictFail})
	ctx := context.Background()
	rec := createMatch(t, f)

	result, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "slow but right")
	require.NoError(t, err)
	assert.False(t, result.Settled)
	assert.True(t, result.Submission.Passed)
	assert.False(t, result.Submission.Winning)
	assert.Equal(t, ReasonComplexityFailed, result.Submission.Reason)

	got, err := f.engine.Get(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, got.Status)
	require.Len(t, got.Submissions, 1)

	// The player can retry and win once the analyzer passes.
	f.analyzer.verdict = judge.VerdictPass
	result, err = f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "fast and right")
	require.NoError(t, err)
	assert.True(t, result.Settled)
	assert.Len(t, result.Record.Submissions, 2)
}

func TestSubmitAnalyzerOutageFallsBackToCorrectness(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: passingResult(4)}, &stubAnalyzer{err: errors.New("analyzer down")})
	ctx := context.Background()
	rec := createMatch(t, f)

	result, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "right")
	require.NoError(t, err)
	assert.True(t, result.Settled)
	assert.Equal(t, "alice", result.Record.WinnerID)
}

func TestSubmitJudgeFailureMutatesNothing(t *testing.T) {
	f := setupEngine(t, &stubRunner{err: judge.ErrUnavailable}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	_, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "code")
	require.ErrorIs(t, err, judge.ErrUnavailable)

	got, err := f.engine.Get(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Empty(t, got.Submissions)
	assert.Equal(t, StatusOngoing, got.Status)
	assert.Empty(t, f.archive.archives)
}

func TestSubmitAfterSettlementRejected(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: passingResult(4)}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	_, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "right")
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, rec.MatchID, "bob", judge.LangPython, "too late")
	assert.ErrorIs(t, err, ErrMatchEnded)
}

func TestSettleTimeoutDraw(t *testing.T) {
	f := setupEngine(t, &stubRunner{}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	got, err := f.engine.SettleTimeout(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, EndReasonTimeout, got.EndReason)
	assert.Empty(t, got.WinnerID)
	require.Len(t, got.RatingChanges, 2)
	assert.Equal(t, 0, got.RatingChanges[0].Delta)
	assert.Equal(t, 0, got.RatingChanges[1].Delta)

	assert.ElementsMatch(t, []string{"alice", "bob"}, f.clearer.cleared)
}

func TestSettlementIdempotent(t *testing.T) {
	f := setupEngine(t, &stubRunner{result: passingResult(4)}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	first, err := f.engine.Submit(ctx, rec.MatchID, "alice", judge.LangPython, "right")
	require.NoError(t, err)
	require.True(t, first.Settled)

	// A racing timeout sweep must not rewrite the outcome or re-archive.
	again, err := f.engine.SettleTimeout(ctx, rec.MatchID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.WinnerID)
	assert.Equal(t, EndReasonSubmission, again.EndReason)
	assert.Len(t, f.archive.archives, 1)
}

func TestForceLossSettlesForOpponent(t *testing.T) {
	f := setupEngine(t, &stubRunner{}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	got, err := f.engine.ForceLoss(ctx, rec.MatchID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.WinnerID)
	assert.Equal(t, EndReasonForced, got.EndReason)
	assert.Equal(t, StatusFinished, got.Status)

	_, err = f.engine.ForceLoss(ctx, rec.MatchID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestForceWinRequiresParticipant(t *testing.T) {
	f := setupEngine(t, &stubRunner{}, nil)
	ctx := context.Background()
	rec := createMatch(t, f)

	_, err := f.engine.ForceWin(ctx, rec.MatchID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)

	got, err := f.engine.ForceWin(ctx, rec.MatchID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.WinnerID)
}
