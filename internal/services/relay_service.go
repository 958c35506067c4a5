// Package services: RelayService
//
// This file implements RelayService, the orchestrator of the relay
// pipeline. One Process call handles one batch: claim pending inbound
// messages, resolve each one's audience from loop membership, generate one
// reply per recipient through the text-generation provider, and either
// publish the results atomically or return previews (dry run).
//
// Per-message failures become skip reasons attached to that item and never
// abort the batch; only infrastructure-level failures (store unreachable,
// caller cancellation) surface as a top-level error.
//
// Observability: Process is OpenTelemetry-instrumented and feeds the
// pipeline Prometheus counters defined in metrics.go.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/domain"
	"github.com/arvind24rao/loopworking/internal/repo"
)

// Skip reasons reported per item. Wire-stable: clients branch on these.
const (
	SkipMissingAuthorMember = "missing author member"
	SkipMissingLoop         = "missing loop"
	SkipBotNotMember        = "bot not a member of loop"
	SkipNoRecipients        = "no recipients"
	SkipNoReplies           = "no replies generated"
	SkipPublishFailed       = "publish failed"
)

const (
	defaultBatchLimit = 10
	maxBatchLimit     = 100
	defaultClaimTTL   = 2 * time.Minute
)

// Resolver is the recipient-resolution contract consumed by the orchestrator.
type Resolver interface {
	Resolve(ctx context.Context, authorMemberID, authorProfileID, botProfileID string) (*Resolution, error)
}

// Generator is the per-recipient reply generation contract.
type Generator interface {
	Generate(ctx context.Context, in GenerateInput) (string, error)
}

// Publisher is the atomic publish contract.
type Publisher interface {
	Publish(ctx context.Context, bot BotIdentity, sourceID string, outbound []OutboundReply) (*PublishResult, error)
}

// RelayService coordinates one relay batch end to end.
type RelayService struct {
	DB        *gorm.DB
	Resolver  Resolver
	Generator Generator
	Publisher Publisher

	// ClaimTTL bounds how long a worker may sit on a claimed row before
	// other workers treat the claim as stale.
	ClaimTTL time.Duration
	// MaxBatch caps one run's batch size regardless of the requested limit.
	// Values below 1 fall back to the built-in cap.
	MaxBatch int
	// WorkerID identifies this instance in claim columns.
	WorkerID string
}

// NewRelayService wires the orchestrator with its default collaborators.
func NewRelayService(db *gorm.DB, resolver Resolver, gen Generator) *RelayService {
	return &RelayService{
		DB:        db,
		Resolver:  resolver,
		Generator: gen,
		Publisher: &RelayPublisher{DB: db},
		ClaimTTL:  defaultClaimTTL,
		WorkerID:  uuid.NewString(),
	}
}

// ProcessRequest scopes one pipeline run.
type ProcessRequest struct {
	// BotProfileID is the caller-asserted bot identity.
	BotProfileID string
	// ThreadID optionally narrows the scan to one thread.
	ThreadID string
	// Limit bounds the batch size; values <1 use the default, large values
	// are capped.
	Limit int
	// DryRun previews replies without touching any row.
	DryRun bool
}

// ProcessStats aggregates one run.
type ProcessStats struct {
	Scanned   int  `json:"scanned"`
	Processed int  `json:"processed"`
	Inserted  int  `json:"inserted"`
	Skipped   int  `json:"skipped"`
	DryRun    bool `json:"dry_run"`
}

// Preview is one would-be outbound message in dry-run mode.
type Preview struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
}

// ProcessItem is the per-source-message breakdown of a run.
type ProcessItem struct {
	SourceMessageID string    `json:"source_message_id"`
	ThreadID        string    `json:"thread_id"`
	Recipients      []string  `json:"recipients"`
	OutboundIDs     []string  `json:"outbound_ids,omitempty"`
	Previews        []Preview `json:"previews,omitempty"`
	SkippedReason   string    `json:"skipped_reason,omitempty"`
}

// ProcessResult is the full outcome of one run.
type ProcessResult struct {
	Stats ProcessStats  `json:"stats"`
	Items []ProcessItem `json:"items"`
}

// Process runs one relay batch. It returns a non-nil result whenever the
// batch itself could run; a returned error means an infrastructure-level
// failure and the batch must be considered aborted (already-published
// messages stay published, unreached ones stay pending).
func (s *RelayService) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	tr := otel.Tracer("services/RelayService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("thread.id", req.ThreadID),
			attribute.Bool("dry_run", req.DryRun),
			attribute.Int("limit", req.Limit),
		),
	)
	defer span.End()

	maxBatch := s.MaxBatch
	if maxBatch < 1 {
		maxBatch = maxBatchLimit
	}
	limit := req.Limit
	if limit < 1 {
		limit = defaultBatchLimit
	}
	if limit > maxBatch {
		limit = maxBatch
	}
	ttl := s.ClaimTTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}

	batch, err := repo.ClaimPending(ctx, s.DB, s.WorkerID, req.ThreadID, limit, ttl)
	if err != nil {
		return nil, err
	}
	// Claims are only needed while this run is in flight. Release even when
	// the caller's context has been cancelled mid-batch.
	defer func() {
		ids := make([]string, 0, len(batch))
		for i := range batch {
			ids = append(ids, batch[i].ID)
		}
		if err := repo.ReleaseClaims(context.WithoutCancel(ctx), s.DB, s.WorkerID, ids); err != nil {
			log.Warn().Err(err).Int("count", len(ids)).Msg("release claims failed")
		}
	}()

	res := &ProcessResult{
		Stats: ProcessStats{Scanned: len(batch), DryRun: req.DryRun},
		Items: make([]ProcessItem, 0, len(batch)),
	}

	for i := range batch {
		if err := ctx.Err(); err != nil {
			// Cancellation mid-batch: everything already published is durable,
			// everything unreached stays pending for the next run.
			return res, err
		}
		item, err := s.processOne(ctx, &batch[i], req)
		if err != nil {
			return res, err
		}
		if item.SkippedReason != "" {
			res.Stats.Skipped++
			relaySkips.WithLabelValues(item.SkippedReason).Inc()
			relayProcessed.WithLabelValues("skipped").Inc()
		} else {
			res.Stats.Processed++
			res.Stats.Inserted += len(item.OutboundIDs)
			if req.DryRun {
				relayProcessed.WithLabelValues("previewed").Inc()
			} else {
				relayProcessed.WithLabelValues("published").Inc()
				relayOutbound.Add(float64(len(item.OutboundIDs)))
			}
		}
		res.Items = append(res.Items, *item)
	}
	return res, nil
}

// processOne walks a single source message through the pipeline states.
// A returned error is infrastructure-level; everything else is expressed
// as a skip reason on the item.
func (s *RelayService) processOne(ctx context.Context, src *domain.Message, req ProcessRequest) (*ProcessItem, error) {
	item := &ProcessItem{
		SourceMessageID: src.ID,
		ThreadID:        src.ThreadID,
		Recipients:      []string{},
	}

	if src.AuthorMemberID == "" {
		item.SkippedReason = SkipMissingAuthorMember
		return item, nil
	}

	resolution, err := s.Resolver.Resolve(ctx, src.AuthorMemberID, src.CreatedBy, req.BotProfileID)
	switch {
	case errors.Is(err, ErrLoopNotFound):
		item.SkippedReason = SkipMissingLoop
		return item, nil
	case errors.Is(err, ErrBotNotMember):
		item.SkippedReason = SkipBotNotMember
		return item, nil
	case err != nil:
		return nil, err
	}

	item.Recipients = resolution.Recipients
	if len(resolution.Recipients) == 0 {
		item.SkippedReason = SkipNoRecipients
		return item, nil
	}

	recent, err := repo.RecentSenderTexts(ctx, s.DB, src.ThreadID, src.AuthorMemberID, defaultContextMessages)
	if err != nil {
		return nil, err
	}

	// One provider call per recipient, outside any transaction. A failed
	// recipient is dropped; the rest still get their relay.
	outbound := make([]OutboundReply, 0, len(resolution.Recipients))
	previews := make([]Preview, 0, len(resolution.Recipients))
	for _, rid := range resolution.Recipients {
		text, err := s.Generator.Generate(ctx, GenerateInput{
			SenderID:       src.CreatedBy,
			RecipientID:    rid,
			ThreadID:       src.ThreadID,
			LoopID:         resolution.LoopID,
			RecentMessages: recent,
		})
		if err != nil {
			relayGenFailures.Inc()
			log.Warn().Err(err).
				Str("source_message_id", src.ID).
				Str("recipient_id", rid).
				Msg("reply generation failed, recipient dropped")
			continue
		}
		outbound = append(outbound, OutboundReply{ThreadID: src.ThreadID, RecipientID: rid, Text: text})
		previews = append(previews, Preview{RecipientID: rid, Text: text})
	}

	if len(outbound) == 0 {
		item.SkippedReason = SkipNoReplies
		return item, nil
	}

	if req.DryRun {
		item.Previews = previews
		return item, nil
	}

	pub, err := s.Publisher.Publish(ctx, BotIdentity{
		ProfileID: req.BotProfileID,
		MemberID:  resolution.BotMemberID,
	}, src.ID, outbound)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// Another worker retired the row between our claim and the
			// publish; its delivery stands, ours rolled back.
			log.Warn().
				Str("source_message_id", src.ID).
				Msg("source already processed elsewhere, nothing written")
		} else {
			// Transaction rolled back; the source row stays pending and is
			// safe to retry on a later run.
			log.Error().Err(err).
				Str("source_message_id", src.ID).
				Msg("publish failed, source left unprocessed")
		}
		item.SkippedReason = SkipPublishFailed
		return item, nil
	}

	item.OutboundIDs = pub.MessageIDs
	return item, nil
}
