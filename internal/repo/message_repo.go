// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the claim-based queue operations used by the relay
// pipeline.
//
// Queue semantics:
//   - A message is "pending" when audience='inbox_to_bot' and processed_at
//     is null.
//   - Workers take exclusive, time-bounded ownership of pending rows via a
//     compare-and-swap on the claimed_by/claimed_at columns. A claim older
//     than the caller-supplied TTL is stale and may be retaken, so a crashed
//     worker never strands a message.
//   - processed_at is set at most once, guarded by a conditional update, so
//     two concurrent workers can never both publish for the same source row.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/domain"
)

// CreateInboundMessage inserts a human-authored inbox_to_bot row.
func CreateInboundMessage(ctx context.Context, db *gorm.DB, threadID, createdBy, authorMemberID, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ThreadID:       threadID,
		CreatedBy:      createdBy,
		AuthorMemberID: authorMemberID,
		Audience:       domain.AudienceInboxToBot,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// CreateOutboundMessage inserts one bot_to_user row addressed to a single
// recipient. The handle is typically a transaction opened by the publisher.
func CreateOutboundMessage(db *gorm.DB, threadID, botProfileID, botMemberID, recipientID, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ThreadID:       threadID,
		CreatedBy:      botProfileID,
		AuthorMemberID: botMemberID,
		Audience:       domain.AudienceBotToUser,
		RecipientID:    &recipientID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// ClaimPending selects up to limit pending inbox_to_bot messages, oldest
// first (CreatedAt ASC, ID ASC), and claims each one for workerID via a
// per-row compare-and-swap. Rows claimed by a live worker are skipped
// without blocking; rows whose claim is older than ttl are treated as free.
//
// threadID narrows the scan to one thread when non-empty. The returned
// slice preserves queue order and contains only the rows this worker won.
// An empty result is not an error.
func ClaimPending(ctx context.Context, db *gorm.DB, workerID, threadID string, limit int, ttl time.Duration) ([]domain.Message, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-ttl)

	q := db.WithContext(ctx).
		Where("audience = ? AND processed_at IS NULL", domain.AudienceInboxToBot).
		Where("claimed_by = '' OR claimed_at IS NULL OR claimed_at <= ?", cutoff)
	if threadID != "" {
		q = q.Where("thread_id = ?", threadID)
	}

	var candidates []domain.Message
	if err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]domain.Message, 0, len(candidates))
	for i := range candidates {
		res := db.WithContext(ctx).
			Model(&domain.Message{}).
			Where("id = ? AND processed_at IS NULL", candidates[i].ID).
			Where("claimed_by = '' OR claimed_at IS NULL OR claimed_at <= ?", cutoff).
			Updates(map[string]any{"claimed_by": workerID, "claimed_at": now})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker; skip without blocking.
			continue
		}
		m := candidates[i]
		m.ClaimedBy = workerID
		m.ClaimedAt = &now
		claimed = append(claimed, m)
	}
	return claimed, nil
}

// ReleaseClaims clears the claim columns for the given ids, but only where
// the claim is still held by workerID.
func ReleaseClaims(ctx context.Context, db *gorm.DB, workerID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id IN ? AND claimed_by = ?", ids, workerID).
		Updates(map[string]any{"claimed_by": "", "claimed_at": nil}).Error
}

// MarkProcessed sets processed_at on a source row, but only if it is still
// null. It reports whether this call performed the transition; false means
// another worker already marked the row.
func MarkProcessed(db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.Model(&domain.Message{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecentSenderTexts returns the content of the most recent inbound messages
// authored by authorMemberID within threadID, oldest first, capped at limit.
// Used to build the bounded generation context for relay replies.
func RecentSenderTexts(ctx context.Context, db *gorm.DB, threadID, authorMemberID string, limit int) ([]string, error) {
	var rows []domain.Message
	err := db.WithContext(ctx).
		Select("id", "content", "created_at").
		Where("thread_id = ? AND author_member_id = ? AND audience = ?",
			threadID, authorMemberID, domain.AudienceInboxToBot).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	out := make([]string, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].Content)
	}
	return out, nil
}

// ListViewerMessages returns the merged chronological stream for one viewer
// in a thread: their own inbox_to_bot posts plus the bot_to_user rows
// addressed to them. Ordered CreatedAt ASC, ID ASC.
func ListViewerMessages(ctx context.Context, db *gorm.DB, threadID, viewerID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Where(
			db.Where("audience = ? AND created_by = ?", domain.AudienceInboxToBot, viewerID).
				Or("audience = ? AND recipient_id = ?", domain.AudienceBotToUser, viewerID),
		).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ViewerStreamStats returns aggregate metadata for a viewer's merged stream:
// the total number of rows and the greatest CreatedAt among them. Used for
// ETag generation in the HTTP layer. When the stream is empty, count is 0
// and maxCreatedAt is nil.
func ViewerStreamStats(ctx context.Context, db *gorm.DB, threadID, viewerID string) (count int64, maxCreatedAt *time.Time, err error) {
	q := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("thread_id = ?", threadID).
		Where(
			db.Where("audience = ? AND created_by = ?", domain.AudienceInboxToBot, viewerID).
				Or("audience = ? AND recipient_id = ?", domain.AudienceBotToUser, viewerID),
		)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
