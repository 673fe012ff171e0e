package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers bad signatures, expiry, and malformed claims.
	ErrInvalidToken = errors.New("invalid reservation token")
	// ErrTokenMismatch is returned when a valid token does not match the live
	// reservation it claims. Treated as security-relevant: a token must never
	// be replayable against a different session.
	ErrTokenMismatch = errors.New("token does not match reservation")
)

// Claims carried by a signed reservation token.
type Claims struct {
	RoomID    string `json:"room_id"`
	RoomName  string `json:"room_name"`
	MatchID   string `json:"match_id"`
	ProblemID string `json:"problem_id"`
	jwt.RegisteredClaims
}

// RoomDetails is what a client receives in exchange for a valid token.
type RoomDetails struct {
	PlayerID  string `json:"player_id"`
	RoomID    string `json:"room_id"`
	RoomName  string `json:"room_name"`
	MatchID   string `json:"match_id"`
	ProblemID string `json:"problem_id"`
}

// TokenConfig holds signing configuration.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration // must outlast the maximum match duration
	Issuer string
}

// TokenManager issues and consumes signed, time-boxed reservation tokens.
type TokenManager struct {
	store  *Store
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTokenManager creates a token manager bound to a reservation store.
func NewTokenManager(store *Store, cfg TokenConfig) *TokenManager {
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "codeduel-platform"
	}
	return &TokenManager{
		store:  store,
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
	}
}

// Issue signs a token binding the player to their current reservation.
func (m *TokenManager) Issue(playerID string, res Reservation) (string, error) {
	now := time.Now()
	claims := Claims{
		RoomID:    res.RoomID,
		RoomName:  res.RoomName,
		MatchID:   res.MatchID,
		ProblemID: res.ProblemID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   playerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Consume verifies the token, loads the live reservation for its subject, and
// cross-checks room and match claims. It returns connection details without
// deleting the reservation: both participants, and page reloads by either,
// may consume the same reservation repeatedly until explicit teardown.
func (m *TokenManager) Consume(ctx context.Context, tokenString string) (*RoomDetails, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}

	playerID := claims.Subject
	res, err := m.store.Get(ctx, playerID)
	if err != nil {
		return nil, err
	}

	if res.RoomID != claims.RoomID || res.MatchID != claims.MatchID {
		return nil, ErrTokenMismatch
	}

	return &RoomDetails{
		PlayerID:  playerID,
		RoomID:    res.RoomID,
		RoomName:  res.RoomName,
		MatchID:   res.MatchID,
		ProblemID: res.ProblemID,
	}, nil
}

func (m *TokenManager) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
