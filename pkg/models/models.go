// Package models defines the persistent entities of the shellquest platform.
package models

import (
	"time"

	"gorm.io/gorm"
)

// User is a registered player.
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Username     string `json:"username" gorm:"uniqueIndex;not null"`
	Email        string `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string `json:"-" gorm:"not null"`

	IsActive bool `json:"is_active" gorm:"default:true"`
	IsAdmin  bool `json:"is_admin" gorm:"default:false"`

	Attempts  []Attempt  `json:"-" gorm:"foreignKey:UserID"`
	Solves    []Solve    `json:"-" gorm:"foreignKey:UserID"`
	Favorites []Favorite `json:"-" gorm:"foreignKey:UserID"`
}

// Attempt records one validation run inside a session container.
type Attempt struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	UserID      uint      `json:"user_id" gorm:"index;not null"`
	ChallengeID uint      `json:"challenge_id" gorm:"index;not null"`
	Success     bool      `json:"success"`
	CreatedAt   time.Time `json:"created_at"`
}

// Solve records the first successful validation of a challenge by a user.
// The composite unique index makes duplicate inserts no-ops, which keeps
// concurrent validations from ever producing a second solve row.
type Solve struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	UserID      uint      `json:"user_id" gorm:"uniqueIndex:idx_solve_user_challenge;not null"`
	ChallengeID uint      `json:"challenge_id" gorm:"uniqueIndex:idx_solve_user_challenge;not null"`
	Points      int       `json:"points"`
	CreatedAt   time.Time `json:"created_at"`
}

// Favorite marks a challenge a user has starred.
type Favorite struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	UserID      uint      `json:"user_id" gorm:"uniqueIndex:idx_fav_user_challenge;not null"`
	ChallengeID uint      `json:"challenge_id" gorm:"uniqueIndex:idx_fav_user_challenge;not null"`
	CreatedAt   time.Time `json:"created_at"`
}
