// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for loops,
// threads, and memberships.
//
// All functions accept a *gorm.DB handle, making them safe for use within
// transactions or connection-scoped operations. They follow the "thin
// repository" approach: no business logic, only CRUD persistence and query
// composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported in this package as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/domain"
)

// CreateLoop inserts a new loop with the given name.
func CreateLoop(ctx context.Context, db *gorm.DB, name string) (*domain.Loop, error) {
	l := &domain.Loop{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(l).Error; err != nil {
		return nil, err
	}
	return l, nil
}

// CreateThread inserts a new thread belonging to loopID.
func CreateThread(ctx context.Context, db *gorm.DB, loopID string) (*domain.Thread, error) {
	t := &domain.Thread{
		ID:        uuid.NewString(),
		LoopID:    loopID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// LoopOfThread resolves the loop a thread belongs to. Returns ErrNotFound
// when the thread does not exist.
func LoopOfThread(ctx context.Context, db *gorm.DB, threadID string) (string, error) {
	var t domain.Thread
	err := db.WithContext(ctx).
		Select("id", "loop_id").
		Where("id = ?", threadID).
		First(&t).Error
	if err != nil {
		return "", err
	}
	return t.LoopID, nil
}

// AddMember inserts a membership row binding profileID to loopID.
func AddMember(ctx context.Context, db *gorm.DB, loopID, profileID, role string) (*domain.Member, error) {
	m := &domain.Member{
		ID:        uuid.NewString(),
		LoopID:    loopID,
		ProfileID: profileID,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// LoopOfMember resolves the loop for a membership handle (members.id).
// Returns ErrNotFound when no such membership exists.
func LoopOfMember(ctx context.Context, db *gorm.DB, memberID string) (string, error) {
	var m domain.Member
	err := db.WithContext(ctx).
		Select("id", "loop_id").
		Where("id = ?", memberID).
		First(&m).Error
	if err != nil {
		return "", err
	}
	return m.LoopID, nil
}

// FindMember fetches the membership row for (loopID, profileID).
// Returns ErrNotFound when the profile is not a member of the loop.
func FindMember(ctx context.Context, db *gorm.DB, loopID, profileID string) (*domain.Member, error) {
	var m domain.Member
	err := db.WithContext(ctx).
		Where("loop_id = ? AND profile_id = ?", loopID, profileID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListLoopProfiles returns the profile ids of all members of loopID in
// membership-insertion order (CreatedAt ASC, ID ASC as tie-break).
func ListLoopProfiles(ctx context.Context, db *gorm.DB, loopID string) ([]string, error) {
	var members []domain.Member
	err := db.WithContext(ctx).
		Select("id", "profile_id", "created_at").
		Where("loop_id = ?", loopID).
		Order("created_at ASC, id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.ProfileID)
	}
	return out, nil
}
