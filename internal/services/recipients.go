// Package services: RecipientResolver
//
// This file implements the RecipientResolver, which computes the target
// audience for one inbound message: every member of the author's loop except
// the author themself and the bot identity. An empty recipient set is a
// valid, non-error outcome.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/domain"
	"github.com/arvind24rao/loopworking/internal/repo"
)

// MembershipRepo defines the repository contract required by the resolver.
type MembershipRepo interface {
	// LoopOfMember resolves the loop a membership handle belongs to.
	LoopOfMember(ctx context.Context, db *gorm.DB, memberID string) (string, error)

	// FindMember fetches the membership row for (loopID, profileID).
	FindMember(ctx context.Context, db *gorm.DB, loopID, profileID string) (*domain.Member, error)

	// ListLoopProfiles returns all member profile ids of a loop in
	// membership-insertion order.
	ListLoopProfiles(ctx context.Context, db *gorm.DB, loopID string) ([]string, error)
}

// membershipRepo adapts the repo free functions to MembershipRepo.
type membershipRepo struct{}

func (membershipRepo) LoopOfMember(ctx context.Context, db *gorm.DB, memberID string) (string, error) {
	return repo.LoopOfMember(ctx, db, memberID)
}

func (membershipRepo) FindMember(ctx context.Context, db *gorm.DB, loopID, profileID string) (*domain.Member, error) {
	return repo.FindMember(ctx, db, loopID, profileID)
}

func (membershipRepo) ListLoopProfiles(ctx context.Context, db *gorm.DB, loopID string) ([]string, error) {
	return repo.ListLoopProfiles(ctx, db, loopID)
}

// RecipientResolver computes relay audiences from loop membership.
type RecipientResolver struct {
	DB   *gorm.DB
	Repo MembershipRepo
}

// NewRecipientResolver constructs a resolver backed by the repo package.
func NewRecipientResolver(db *gorm.DB) *RecipientResolver {
	return &RecipientResolver{DB: db, Repo: membershipRepo{}}
}

// Resolution is the result of resolving one inbound message.
type Resolution struct {
	// LoopID is the loop the author's membership belongs to.
	LoopID string
	// BotMemberID is the bot's membership handle within that loop.
	BotMemberID string
	// Recipients is every member profile id except the author and the bot,
	// in membership-insertion order. May be empty.
	Recipients []string
}

// Resolve computes the audience for a message written by authorMemberID
// (profile authorProfileID), relayed by botProfileID.
//
// Errors:
//   - ErrLoopNotFound when the membership handle resolves to no loop.
//   - ErrBotNotMember when the bot identity is not a member of the loop.
//   - The underlying DB error for unexpected failures.
func (r *RecipientResolver) Resolve(ctx context.Context, authorMemberID, authorProfileID, botProfileID string) (*Resolution, error) {
	loopID, err := r.Repo.LoopOfMember(ctx, r.DB, authorMemberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoopNotFound
		}
		return nil, err
	}

	botMember, err := r.Repo.FindMember(ctx, r.DB, loopID, botProfileID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBotNotMember
		}
		return nil, err
	}

	profiles, err := r.Repo.ListLoopProfiles(ctx, r.DB, loopID)
	if err != nil {
		return nil, err
	}

	// recipients = members − {author, bot}; membership is a set, so no
	// duplicate handling is needed.
	recipients := make([]string, 0, len(profiles))
	for _, pid := range profiles {
		if pid == authorProfileID || pid == botProfileID {
			continue
		}
		recipients = append(recipients, pid)
	}

	return &Resolution{
		LoopID:      loopID,
		BotMemberID: botMember.ID,
		Recipients:  recipients,
	}, nil
}
