// Package memory holds per-user soft state: profile, preferences, portfolio
// and the rolling conversation tail. It is the only component allowed to
// mutate user state; everything else reads a UserContext snapshot.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantra-labs/frontdoor/internal/metrics"
)

const (
	profileKeyPrefix = "user:profile:"
	turnsKeyPrefix   = "user:turns:"
)

// ErrShortSale rejects portfolio updates that would take a ticker's shares
// negative for a user without the allow_short preference.
var ErrShortSale = errors.New("memory: sale exceeds held shares")

// Risk tolerance levels.
const (
	RiskConservative = "conservative"
	RiskModerate     = "moderate"
	RiskAggressive   = "aggressive"
)

// Position is one portfolio holding.
type Position struct {
	Ticker  string  `json:"ticker"`
	Shares  float64 `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// Profile is the durable part of a user's state.
type Profile struct {
	UserID        string         `json:"user_id"`
	Preferences   map[string]any `json:"preferences"`
	RiskTolerance string         `json:"risk_tolerance"`
	Portfolio     []Position     `json:"portfolio"`
	Watchlist     []string       `json:"watchlist"`
	UpdatedAt     int64          `json:"updated_at"`
}

// Turn is one conversation exchange half.
type Turn struct {
	Timestamp int64  `json:"timestamp"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

// UserContext is the snapshot handed to agents.
type UserContext struct {
	Profile Profile `json:"profile"`
	Turns   []Turn  `json:"turns"`
}

// PortfolioDiff is one (ticker, delta, price) adjustment.
type PortfolioDiff struct {
	Ticker      string
	DeltaShares float64
	Price       float64
}

// Service implements the memory operations over Redis. Writes for the same
// user serialize through a per-user mutex; loss of the whole state is
// tolerated (soft-state semantics).
type Service struct {
	client   *redis.Client
	maxTurns int
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService builds the memory service.
func NewService(client *redis.Client, maxTurns int, logger *zap.Logger) *Service {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	return &Service{
		client:   client,
		maxTurns: maxTurns,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing writes for one user.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Load returns the user's profile plus the last maxTurns conversation turns.
// A user never seen before gets an empty profile, not an error.
func (s *Service) Load(ctx context.Context, userID string) (UserContext, error) {
	out := UserContext{Profile: Profile{
		UserID:        userID,
		Preferences:   map[string]any{},
		RiskTolerance: RiskModerate,
	}}

	raw, err := s.client.Get(ctx, profileKeyPrefix+userID).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &out.Profile); err != nil {
			s.logger.Warn("Corrupt profile, starting fresh",
				zap.String("user_id", userID), zap.Error(err))
		}
		if out.Profile.Preferences == nil {
			out.Profile.Preferences = map[string]any{}
		}
	case err != redis.Nil:
		metrics.MemoryOperations.WithLabelValues("load", "error").Inc()
		return out, fmt.Errorf("load profile %s: %w", userID, err)
	}

	items, err := s.client.LRange(ctx, turnsKeyPrefix+userID, int64(-s.maxTurns), -1).Result()
	if err != nil && err != redis.Nil {
		metrics.MemoryOperations.WithLabelValues("load", "error").Inc()
		return out, fmt.Errorf("load turns %s: %w", userID, err)
	}
	for _, item := range items {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err == nil {
			out.Turns = append(out.Turns, turn)
		}
	}
	metrics.MemoryOperations.WithLabelValues("load", "ok").Inc()
	return out, nil
}

// AppendTurn pushes one turn and trims the sequence to the last maxTurns.
func (s *Service) AppendTurn(ctx context.Context, userID, role, text string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(Turn{Timestamp: time.Now().UnixMilli(), Role: role, Text: text})
	if err != nil {
		return err
	}
	key := turnsKeyPrefix + userID
	if err := s.client.RPush(ctx, key, raw).Err(); err != nil {
		metrics.MemoryOperations.WithLabelValues("append_turn", "error").Inc()
		return fmt.Errorf("append turn %s: %w", userID, err)
	}
	if err := s.client.LTrim(ctx, key, int64(-s.maxTurns), -1).Err(); err != nil {
		metrics.MemoryOperations.WithLabelValues("append_turn", "error").Inc()
		return fmt.Errorf("trim turns %s: %w", userID, err)
	}
	metrics.MemoryOperations.WithLabelValues("append_turn", "ok").Inc()
	return nil
}

// UpdatePreferences merges patch at the top level. A risk_tolerance key is
// validated and mirrored into the typed field.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, patch map[string]any) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	profile := uc.Profile
	for k, v := range patch {
		profile.Preferences[k] = v
	}
	if rt, ok := patch["risk_tolerance"].(string); ok {
		switch rt {
		case RiskConservative, RiskModerate, RiskAggressive:
			profile.RiskTolerance = rt
		default:
			return fmt.Errorf("invalid risk_tolerance %q", rt)
		}
	}
	return s.saveProfile(ctx, &profile, "update_preferences")
}

// UpdatePortfolio applies the diffs. Buys recompute the average cost; sells
// keep it. A sell that would go negative fails with ErrShortSale unless the
// user carries the allow_short preference.
func (s *Service) UpdatePortfolio(ctx context.Context, userID string, diffs []PortfolioDiff) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := s.Load(ctx, userID)
	if err != nil {
		return err
	}
	profile := uc.Profile
	allowShort, _ := profile.Preferences["allow_short"].(bool)

	byTicker := make(map[string]int, len(profile.Portfolio))
	for i, p := range profile.Portfolio {
		byTicker[p.Ticker] = i
	}

	for _, d := range diffs {
		idx, held := byTicker[d.Ticker]
		var pos Position
		if held {
			pos = profile.Portfolio[idx]
		} else {
			pos = Position{Ticker: d.Ticker}
		}
		next := pos.Shares + d.DeltaShares
		if next < 0 && !allowShort {
			return fmt.Errorf("%w: %s %.2f held, sell %.2f", ErrShortSale, d.Ticker, pos.Shares, -d.DeltaShares)
		}
		if d.DeltaShares > 0 && next > 0 {
			pos.AvgCost = (pos.Shares*pos.AvgCost + d.DeltaShares*d.Price) / next
		}
		pos.Shares = next
		if held {
			profile.Portfolio[idx] = pos
		} else {
			byTicker[d.Ticker] = len(profile.Portfolio)
			profile.Portfolio = append(profile.Portfolio, pos)
		}
	}
	return s.saveProfile(ctx, &profile, "update_portfolio")
}

func (s *Service) saveProfile(ctx context.Context, p *Profile, op string) error {
	p.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, profileKeyPrefix+p.UserID, raw, 0).Err(); err != nil {
		metrics.MemoryOperations.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("save profile %s: %w", p.UserID, err)
	}
	metrics.MemoryOperations.WithLabelValues(op, "ok").Inc()
	return nil
}
