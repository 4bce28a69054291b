// Package progress records validation attempts and solves.
package progress

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shellquest/pkg/models"
)

// Store persists attempts and solves.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// HasSolved reports whether the user already solved the challenge.
func (s *Store) HasSolved(ctx context.Context, userID, challengeID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Solve{}).
		Where("user_id = ? AND challenge_id = ?", userID, challengeID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count solves: %w", err)
	}
	return count > 0, nil
}

// SolvedSet returns the ids of all challenges the user has solved.
func (s *Store) SolvedSet(ctx context.Context, userID uint) (map[uint]bool, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&models.Solve{}).
		Where("user_id = ?", userID).
		Pluck("challenge_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list solves: %w", err)
	}

	set := make(map[uint]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// RecordValidation persists one validation run. The attempt row is always
// written; a successful run additionally inserts a solve. Re-solving an
// already solved challenge is silently absorbed by the unique index, so
// the solve (and its points) is recorded at most once per user/challenge.
func (s *Store) RecordValidation(ctx context.Context, userID, challengeID uint, success bool, points int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempt := models.Attempt{
			UserID:      userID,
			ChallengeID: challengeID,
			Success:     success,
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}

		if !success {
			return nil
		}

		solve := models.Solve{
			UserID:      userID,
			ChallengeID: challengeID,
			Points:      points,
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&solve).Error
		if err != nil {
			return fmt.Errorf("record solve: %w", err)
		}
		return nil
	})
}
