// Package services: RelayPublisher
//
// This file implements the RelayPublisher, the sole mutation point of the
// relay pipeline. Publishing one source message is a single short
// transaction: insert every outbound bot_to_user row, then set processed_at
// on the source row while it is still null. Any insert failure, and any
// source row found already processed, rolls the whole transaction back, so
// at most one worker's outbound rows ever commit for a given source.
package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/repo"
)

// Test seams; overridden in publisher tests to force mid-transaction
// failures.
var (
	createOutboundFn = repo.CreateOutboundMessage
	markProcessedFn  = repo.MarkProcessed
)

// BotIdentity carries the identities the publisher writes outbound rows as.
type BotIdentity struct {
	// ProfileID is the bot's participant identity.
	ProfileID string
	// MemberID is the bot's membership handle in the target loop.
	MemberID string
}

// OutboundReply is one generated relay text addressed to one recipient.
type OutboundReply struct {
	ThreadID    string
	RecipientID string
	Text        string
}

// PublishResult reports what one publish transaction committed.
type PublishResult struct {
	// MessageIDs are the ids of the inserted bot_to_user rows, in input order.
	MessageIDs []string
}

// RelayPublisher atomically writes outbound rows and retires the source row.
type RelayPublisher struct {
	DB *gorm.DB
}

// Publish inserts all outbound rows and marks the source message processed,
// in one transaction. On error nothing is committed. When another worker
// already performed the processed_at transition (stale-claim takeover race),
// Publish returns ErrAlreadyProcessed and the inserts roll back with it.
//
// Preview runs never reach this method; the orchestrator only calls it in
// publish mode with a non-empty outbound set.
func (p *RelayPublisher) Publish(ctx context.Context, bot BotIdentity, sourceID string, outbound []OutboundReply) (*PublishResult, error) {
	res := &PublishResult{MessageIDs: make([]string, 0, len(outbound))}

	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range outbound {
			m, err := createOutboundFn(tx, o.ThreadID, bot.ProfileID, bot.MemberID, o.RecipientID, o.Text)
			if err != nil {
				return err
			}
			res.MessageIDs = append(res.MessageIDs, m.ID)
		}

		marked, err := markProcessedFn(tx, sourceID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !marked {
			return ErrAlreadyProcessed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
