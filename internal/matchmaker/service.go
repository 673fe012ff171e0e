package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codeduelhq/codeduel-platform/internal/match"
	"github.com/codeduelhq/codeduel-platform/internal/metrics"
	"github.com/codeduelhq/codeduel-platform/internal/persist"
	"github.com/codeduelhq/codeduel-platform/internal/presence"
	"github.com/codeduelhq/codeduel-platform/internal/problem"
	"github.com/codeduelhq/codeduel-platform/internal/queue"
	"github.com/codeduelhq/codeduel-platform/internal/reservation"
)

// RatingSource reads a player's durable rating state. Optional: a nil source
// means every player pairs with provisional defaults.
type RatingSource interface {
	ReadUserRating(ctx context.Context, playerID string) (persist.UserRating, error)
}

// Backfill is the bot fleet's demand signal. Optional.
type Backfill interface {
	OnPlayerQueued(ctx context.Context, playerID string, rating int) error
}

// Options configures pairing behavior.
type Options struct {
	// RatingWindow bounds the rating distance between paired players.
	RatingWindow int
	// PairInterval is the background pairing loop tick.
	PairInterval time.Duration
	// CreatingTTL bounds the pairing-in-progress window. A crash mid-pairing
	// leaves reservations that expire on their own within this TTL.
	CreatingTTL time.Duration
	// ReservationTTL is the committed reservation lifetime; it must outlast
	// the maximum match duration.
	ReservationTTL time.Duration
	// BackfillTimeout caps how long an enqueue waits on the bot fleet demand
	// signal before the player is left searching on the queue alone.
	BackfillTimeout time.Duration
}

// Candidate is one pairing participant. Requeue controls whether a failed
// pairing puts the participant back in the queue: humans claimed from the
// queue want that, bots just return to idle.
type Candidate struct {
	PlayerID string
	Rating   int
	Requeue  bool
}

func fromClaimed(c *queue.Claimed) Candidate {
	return Candidate{PlayerID: c.PlayerID, Rating: c.Rating, Requeue: true}
}

// Pairing is the result of a successful pairing transaction.
type Pairing struct {
	MatchID   string
	RoomID    string
	RoomName  string
	ProblemID string
	Tokens    map[string]string // player id -> signed reservation token
	Record    *match.Record
}

// Service pairs queued players into matches. All coordination state lives in
// Redis; any number of service instances can run the same loops concurrently
// because every claim is atomic and every reservation is check-and-set.
type Service struct {
	queue        *queue.Queue
	reservations *reservation.Store
	tokens       *reservation.TokenManager
	problems     problem.Selector
	engine       *match.Engine
	presence     *presence.Tracker
	ratings      RatingSource
	backfill     Backfill
	metrics      *metrics.Service
	logger       zerolog.Logger
	opts         Options

	mu       sync.Mutex
	watchCtx context.Context
}

// NewService creates the matchmaking service. ratings and metrics may be nil.
func NewService(
	q *queue.Queue,
	reservations *reservation.Store,
	tokens *reservation.TokenManager,
	problems problem.Selector,
	engine *match.Engine,
	tracker *presence.Tracker,
	ratings RatingSource,
	m *metrics.Service,
	opts Options,
	logger zerolog.Logger,
) *Service {
	if opts.RatingWindow <= 0 {
		opts.RatingWindow = 200
	}
	if opts.PairInterval <= 0 {
		opts.PairInterval = 2 * time.Second
	}
	if opts.CreatingTTL <= 0 {
		opts.CreatingTTL = 30 * time.Second
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = engine.MaxDuration() + 15*time.Minute
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = 5 * time.Second
	}
	return &Service{
		queue:        q,
		reservations: reservations,
		tokens:       tokens,
		problems:     problems,
		engine:       engine,
		presence:     tracker,
		ratings:      ratings,
		metrics:      m,
		logger:       logger.With().Str("component", "matchmaker").Logger(),
		opts:         opts,
	}
}

// SetBackfill attaches the bot fleet demand signal. Called once during wiring.
func (s *Service) SetBackfill(b Backfill) {
	s.backfill = b
}

// Enqueue puts a player into the matchmaking queue and signals the bot fleet
// that a human is waiting.
func (s *Service) Enqueue(ctx context.Context, playerID string, rating int) error {
	if rating <= 0 {
		rating = s.lookupRating(ctx, playerID).Rating
	}
	if err := s.queue.Enqueue(ctx, playerID, rating); err != nil {
		return err
	}
	s.updateQueueDepth(ctx)

	if s.backfill != nil {
		bfCtx, cancel := context.WithTimeout(ctx, s.opts.BackfillTimeout)
		defer cancel()
		if err := s.backfill.OnPlayerQueued(bfCtx, playerID, rating); err != nil {
			s.logger.Warn().Err(err).Str("player_id", playerID).Msg("backfill signal failed")
		}
	}
	return nil
}

// Cancel removes a player from the queue.
func (s *Service) Cancel(ctx context.Context, playerID string) error {
	if err := s.queue.Dequeue(ctx, playerID); err != nil {
		return err
	}
	s.updateQueueDepth(ctx)
	return nil
}

// QueueSize returns the number of waiting players.
func (s *Service) QueueSize(ctx context.Context) (int64, error) {
	return s.queue.Size(ctx)
}

// Poll returns the player's pairing state: a committed reservation yields a
// fresh token and room details, anything else is still searching.
func (s *Service) Poll(ctx context.Context, playerID string) (*reservation.Reservation, string, error) {
	res, err := s.reservations.Get(ctx, playerID)
	if err != nil {
		return nil, "", err
	}
	if res.Status != reservation.StatusCommitted {
		return nil, "", reservation.ErrNotFound
	}

	token, err := s.tokens.Issue(playerID, *res)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	return res, token, nil
}

// ClearReservation tears down a player's reservation.
func (s *Service) ClearReservation(ctx context.Context, playerID string) error {
	return s.reservations.Clear(ctx, playerID)
}

// Pair runs the full pairing transaction for two claimed players: reserve
// both, create the match, commit, issue tokens. On any failure it restores
// what it can (clear partial reservations, re-enqueue claimed players) so the
// system converges to "both players queued" rather than half-paired.
func (s *Service) Pair(ctx context.Context, a, b Candidate) (*Pairing, error) {
	matchID := uuid.New().String()
	roomID := uuid.New().String()
	roomName := "duel-" + matchID[:8]

	prob, err := s.problems.Pick(ctx, (a.Rating+b.Rating)/2)
	if err != nil {
		s.restore(ctx, a, b)
		s.countPairing("error")
		return nil, fmt.Errorf("pick problem: %w", err)
	}

	res := reservation.Reservation{
		RoomID:    roomID,
		RoomName:  roomName,
		MatchID:   matchID,
		ProblemID: prob.ID,
		Status:    reservation.StatusCreating,
	}

	if err := s.reservations.PutIfAbsent(ctx, a.PlayerID, res, s.opts.CreatingTTL); err != nil {
		// A lost race means a is already paired elsewhere; only b goes back.
		s.restore(ctx, b)
		if errors.Is(err, reservation.ErrAlreadyReserved) {
			s.countPairing("lost_race")
		} else {
			s.restore(ctx, a)
			s.countPairing("error")
		}
		return nil, fmt.Errorf("reserve %s: %w", a.PlayerID, err)
	}

	if err := s.reservations.PutIfAbsent(ctx, b.PlayerID, res, s.opts.CreatingTTL); err != nil {
		s.clearReservation(ctx, a.PlayerID)
		s.restore(ctx, a)
		if errors.Is(err, reservation.ErrAlreadyReserved) {
			s.countPairing("lost_race")
		} else {
			s.restore(ctx, b)
			s.countPairing("error")
		}
		return nil, fmt.Errorf("reserve %s: %w", b.PlayerID, err)
	}

	p1 := s.participant(ctx, a)
	p2 := s.participant(ctx, b)

	rec, err := s.engine.Create(ctx, matchID, p1, p2, prob, roomID, roomName)
	if err != nil {
		s.clearReservation(ctx, a.PlayerID)
		s.clearReservation(ctx, b.PlayerID)
		s.restore(ctx, a, b)
		s.countPairing("error")
		return nil, fmt.Errorf("create match: %w", err)
	}

	for _, playerID := range []string{a.PlayerID, b.PlayerID} {
		if err := s.reservations.Commit(ctx, playerID, s.opts.ReservationTTL); err != nil {
			// A creating reservation expiring under a live match would let
			// its player be reserved twice, so the whole pairing unwinds.
			s.logger.Error().Err(err).Str("player_id", playerID).Msg("reservation commit failed")
			s.unwindPairing(ctx, matchID, a, b)
			s.countPairing("error")
			return nil, fmt.Errorf("commit reservation %s: %w", playerID, err)
		}
	}

	if s.presence != nil {
		if err := s.presence.Touch(ctx, roomID, s.opts.ReservationTTL); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("presence touch failed")
		}
	}

	tokens := make(map[string]string, 2)
	committed := res
	committed.Status = reservation.StatusCommitted
	for _, playerID := range []string{a.PlayerID, b.PlayerID} {
		token, err := s.tokens.Issue(playerID, committed)
		if err != nil {
			s.logger.Error().Err(err).Str("player_id", playerID).Msg("token issue failed")
			continue
		}
		tokens[playerID] = token
	}

	go s.engine.WatchTimeout(s.watchContext(), matchID, rec.StartedAt)

	s.countPairing("paired")
	s.updateQueueDepth(ctx)
	s.logger.Info().
		Str("match_id", matchID).
		Str("player1", a.PlayerID).
		Str("player2", b.PlayerID).
		Int("rating1", a.Rating).
		Int("rating2", b.Rating).
		Msg("players paired")

	return &Pairing{
		MatchID:   matchID,
		RoomID:    roomID,
		RoomName:  roomName,
		ProblemID: prob.ID,
		Tokens:    tokens,
		Record:    rec,
	}, nil
}

// Run drives the human-vs-human pairing loop until cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.watchCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.opts.PairInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.opts.PairInterval).Msg("pairing loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pairWaiting(ctx)
		}
	}
}

// pairWaiting drains as many pairs as the queue currently holds.
func (s *Service) pairWaiting(ctx context.Context) {
	for {
		a, err := s.queue.ClaimLowestInRange(ctx, 0, 0)
		if errors.Is(err, queue.ErrNoCandidate) {
			s.updateQueueDepth(ctx)
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("queue claim failed")
			return
		}

		b, err := s.queue.ClaimLowestInRange(ctx, a.Rating-s.opts.RatingWindow, a.Rating+s.opts.RatingWindow)
		if errors.Is(err, queue.ErrNoCandidate) {
			// Nobody near a's rating; put them back and stop this tick.
			s.restore(ctx, fromClaimed(a))
			s.countPairing("no_candidate")
			s.updateQueueDepth(ctx)
			return
		}
		if err != nil {
			s.restore(ctx, fromClaimed(a))
			s.logger.Warn().Err(err).Msg("partner claim failed")
			return
		}

		if _, err := s.Pair(ctx, fromClaimed(a), fromClaimed(b)); err != nil {
			s.logger.Warn().Err(err).Msg("pairing failed")
			return
		}
	}
}

func (s *Service) participant(ctx context.Context, c Candidate) match.Participant {
	ur := s.lookupRating(ctx, c.PlayerID)
	return match.Participant{
		PlayerID:    c.PlayerID,
		Rating:      c.Rating,
		GamesPlayed: ur.GamesPlayed,
	}
}

func (s *Service) lookupRating(ctx context.Context, playerID string) persist.UserRating {
	if s.ratings == nil {
		return persist.UserRating{Rating: 1200}
	}
	ur, err := s.ratings.ReadUserRating(ctx, playerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("player_id", playerID).Msg("rating lookup failed")
		return persist.UserRating{Rating: 1200}
	}
	return ur
}

// restore re-enqueues claimed players after a failed pairing. Candidates that
// never came from the queue (bots) are skipped.
func (s *Service) restore(ctx context.Context, players ...Candidate) {
	for _, p := range players {
		if !p.Requeue {
			continue
		}
		if err := s.queue.Enqueue(ctx, p.PlayerID, p.Rating); err != nil {
			s.logger.Error().Err(err).Str("player_id", p.PlayerID).Msg("re-enqueue failed")
		}
	}
}

// unwindPairing tears down a pairing whose match record already exists:
// settle it as abandoned (which also clears both reservations and the
// active-set entry) and put the participants back where they came from.
func (s *Service) unwindPairing(ctx context.Context, matchID string, a, b Candidate) {
	if _, err := s.engine.Abandon(ctx, matchID); err != nil {
		s.logger.Error().Err(err).Str("match_id", matchID).Msg("abandon failed during unwind")
		s.clearReservation(ctx, a.PlayerID)
		s.clearReservation(ctx, b.PlayerID)
	}
	s.restore(ctx, a, b)
}

func (s *Service) clearReservation(ctx context.Context, playerID string) {
	if err := s.reservations.Clear(ctx, playerID); err != nil {
		s.logger.Warn().Err(err).Str("player_id", playerID).Msg("reservation rollback failed")
	}
}

func (s *Service) countPairing(outcome string) {
	if s.metrics != nil {
		s.metrics.PairingAttempts.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) updateQueueDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	size, err := s.queue.Size(ctx)
	if err != nil {
		return
	}
	s.metrics.QueueDepth.Set(float64(size))
}

func (s *Service) watchContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchCtx != nil {
		return s.watchCtx
	}
	return context.Background()
}
