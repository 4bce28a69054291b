// Package leaderboard ranks users by total solve points.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	cacheKey = "shellquest:leaderboard"
	cacheTTL = 30 * time.Second
)

// Entry is one leaderboard row.
type Entry struct {
	Rank     int    `json:"rank"`
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	Solves   int    `json:"solves"`
}

// Service computes the leaderboard from solves, with an optional Redis
// cache in front of the query.
type Service struct {
	db    *gorm.DB
	cache *redis.Client
	log   *zap.Logger
}

// NewService creates a leaderboard service. cache may be nil; the service
// then queries the database on every request.
func NewService(db *gorm.DB, cache *redis.Client, log *zap.Logger) *Service {
	return &Service{db: db, cache: cache, log: log}
}

// Top returns up to limit users ordered by total points, then by earliest
// last solve as tiebreaker.
func (s *Service) Top(ctx context.Context, limit int) ([]Entry, error) {
	if entries, ok := s.fromCache(ctx); ok {
		if len(entries) > limit {
			entries = entries[:limit]
		}
		return entries, nil
	}

	var rows []struct {
		UserID   uint
		Username string
		Points   int
		Solves   int
	}
	err := s.db.WithContext(ctx).
		Table("solves").
		Select("solves.user_id, users.username, SUM(solves.points) AS points, COUNT(*) AS solves").
		Joins("JOIN users ON users.id = solves.user_id").
		Group("solves.user_id, users.username").
		Order("points DESC, MAX(solves.created_at) ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		entries = append(entries, Entry{
			Rank:     i + 1,
			UserID:   row.UserID,
			Username: row.Username,
			Points:   row.Points,
			Solves:   row.Solves,
		})
	}

	s.toCache(ctx, entries)
	return entries, nil
}

func (s *Service) fromCache(ctx context.Context) ([]Entry, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Debug("leaderboard cache read", zap.Error(err))
		}
		return nil, false
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

func (s *Service) toCache(ctx context.Context, entries []Entry) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, raw, cacheTTL).Err(); err != nil {
		s.log.Debug("leaderboard cache write", zap.Error(err))
	}
}
