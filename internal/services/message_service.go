// Package services: MessageService
//
// This file implements MessageService, the application-level component that
// owns the human-facing message lifecycle: posting an inbound message into a
// thread's bot inbox, and reading back a viewer's merged stream (their own
// posts plus the relays addressed to them). It validates inputs and verifies
// loop membership before touching the store.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include thread/viewer identifiers.

package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/domain"
	"github.com/arvind24rao/loopworking/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageService coordinates inbound message persistence and stream reads.
type MessageService struct {
	DB *gorm.DB

	// MaxContentRunes guards inbound content length; <=0 disables the guard.
	MaxContentRunes int
}

// Post validates and persists one inbound inbox_to_bot message written by
// viewerID into threadID. The author must be a member of the thread's loop;
// the stored row carries their membership handle so the relay pipeline can
// resolve its audience later.
func (s *MessageService) Post(ctx context.Context, threadID, viewerID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Post",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("viewer.id", viewerID),
		),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrTooLong
	}

	loopID, err := repo.LoopOfThread(ctx, s.DB, threadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, err
	}

	member, err := repo.FindMember(ctx, s.DB, loopID, viewerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotMember
		}
		return nil, err
	}

	return repo.CreateInboundMessage(ctx, s.DB, threadID, viewerID, member.ID, content)
}

// ViewerStream returns the merged chronological stream for viewerID in
// threadID: their own posts plus the bot relays addressed to them. Membership
// is verified first so non-members cannot probe thread contents.
func (s *MessageService) ViewerStream(ctx context.Context, threadID, viewerID string, limit int) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ViewerStream",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("viewer.id", viewerID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if err := s.requireMember(ctx, threadID, viewerID); err != nil {
		return nil, err
	}
	return repo.ListViewerMessages(ctx, s.DB, threadID, viewerID, limit)
}

// StreamStats returns the row count and latest timestamp of a viewer's
// merged stream, used by the HTTP layer for ETag generation.
func (s *MessageService) StreamStats(ctx context.Context, threadID, viewerID string) (int64, *time.Time, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "StreamStats",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("viewer.id", viewerID),
		),
	)
	defer span.End()

	if err := s.requireMember(ctx, threadID, viewerID); err != nil {
		return 0, nil, err
	}
	return repo.ViewerStreamStats(ctx, s.DB, threadID, viewerID)
}

// requireMember maps the thread lookup and membership check onto the
// service-level sentinels.
func (s *MessageService) requireMember(ctx context.Context, threadID, viewerID string) error {
	loopID, err := repo.LoopOfThread(ctx, s.DB, threadID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrThreadNotFound
		}
		return err
	}
	if _, err := repo.FindMember(ctx, s.DB, loopID, viewerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		return err
	}
	return nil
}
