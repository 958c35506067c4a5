package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/arvind24rao/loopworking/internal/domain"
	"github.com/arvind24rao/loopworking/internal/repo"
)

// scriptedGenerator returns a deterministic reply per recipient and can fail
// selectively.
type scriptedGenerator struct {
	failFor map[string]error // recipient id → error
	calls   []GenerateInput
}

func (g *scriptedGenerator) Generate(_ context.Context, in GenerateInput) (string, error) {
	g.calls = append(g.calls, in)
	if err, ok := g.failFor[in.RecipientID]; ok {
		return "", err
	}
	return "update for " + in.RecipientID, nil
}

// failingPublisher fails publishes for selected source ids and delegates the
// rest to a real publisher.
type failingPublisher struct {
	inner   Publisher
	failFor map[string]error
}

func (p *failingPublisher) Publish(ctx context.Context, bot BotIdentity, sourceID string, outbound []OutboundReply) (*PublishResult, error) {
	if err, ok := p.failFor[sourceID]; ok {
		return nil, err
	}
	return p.inner.Publish(ctx, bot, sourceID, outbound)
}

// newRelayFixture builds a service over a fresh DB with a scripted generator:
// loop of author A + bot Z + the given extra member profiles, one thread.
func newRelayFixture(t *testing.T, db *gorm.DB, extra ...string) (*RelayService, *scriptedGenerator, string, string) {
	t.Helper()

	ctx := context.Background()
	l, err := repo.CreateLoop(ctx, db, "fixture loop")
	if err != nil {
		t.Fatalf("loop: %v", err)
	}
	th, err := repo.CreateThread(ctx, db, l.ID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if _, err := repo.AddMember(ctx, db, l.ID, "profile-a", "member"); err != nil {
		t.Fatalf("author member: %v", err)
	}
	if _, err := repo.AddMember(ctx, db, l.ID, "bot-z", "agent"); err != nil {
		t.Fatalf("bot member: %v", err)
	}
	for _, p := range extra {
		if _, err := repo.AddMember(ctx, db, l.ID, p, "member"); err != nil {
			t.Fatalf("member %s: %v", p, err)
		}
	}

	gen := &scriptedGenerator{}
	svc := NewRelayService(db, NewRecipientResolver(db), gen)
	return svc, gen, l.ID, th.ID
}

// postInbound inserts one pending inbound message from profile-a.
func postInbound(t *testing.T, db *gorm.DB, loopID, threadID, content string) string {
	t.Helper()
	ctx := context.Background()
	author, err := repo.FindMember(ctx, db, loopID, "profile-a")
	if err != nil {
		t.Fatalf("find author: %v", err)
	}
	m, err := repo.CreateInboundMessage(ctx, db, threadID, "profile-a", author.ID, content)
	if err != nil {
		t.Fatalf("post inbound: %v", err)
	}
	return m.ID
}

func TestProcess_FansOutToAllOtherMembers(t *testing.T) {
	db := newServiceDB(t)
	svc, gen, loopID, threadID := newRelayFixture(t, db, "profile-b", "profile-c")
	srcID := postInbound(t, db, loopID, threadID, "the roof is fixed")

	res, err := svc.Process(context.Background(), ProcessRequest{
		BotProfileID: "bot-z",
		ThreadID:     threadID,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := ProcessStats{Scanned: 1, Processed: 1, Inserted: 2, Skipped: 0}
	if res.Stats != want {
		t.Fatalf("stats = %+v, want %+v", res.Stats, want)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(res.Items))
	}
	item := res.Items[0]
	if item.SourceMessageID != srcID || item.SkippedReason != "" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if len(item.Recipients) != 2 || len(item.OutboundIDs) != 2 {
		t.Fatalf("fanout wrong: %+v", item)
	}

	// One generation per recipient, never for the author or the bot.
	if len(gen.calls) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(gen.calls))
	}
	for _, call := range gen.calls {
		if call.RecipientID == "profile-a" || call.RecipientID == "bot-z" {
			t.Fatalf("generated for excluded profile: %+v", call)
		}
	}

	// Source is retired; outbound rows are addressed per recipient.
	var src domain.Message
	if err := db.First(&src, "id = ?", srcID).Error; err != nil {
		t.Fatalf("read source: %v", err)
	}
	if src.ProcessedAt == nil {
		t.Fatalf("source still pending after publish")
	}
	var outbound []domain.Message
	if err := db.Where("audience = ?", domain.AudienceBotToUser).Find(&outbound).Error; err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	if len(outbound) != 2 {
		t.Fatalf("outbound rows = %d, want 2", len(outbound))
	}
}

func TestProcess_SecondRunScansNothing(t *testing.T) {
	db := newServiceDB(t)
	svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
	postInbound(t, db, loopID, threadID, "once only")

	if _, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Stats.Scanned != 0 || res.Stats.Inserted != 0 {
		t.Fatalf("second run must be a no-op: %+v", res.Stats)
	}

	var n int64
	if err := db.Model(&domain.Message{}).Where("audience = ?", domain.AudienceBotToUser).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("outbound rows = %d, want exactly 1", n)
	}
}

func TestProcess_DryRunWritesNothing(t *testing.T) {
	db := newServiceDB(t)
	svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b", "profile-c")
	srcID := postInbound(t, db, loopID, threadID, "preview me")

	res, err := svc.Process(context.Background(), ProcessRequest{
		BotProfileID: "bot-z",
		ThreadID:     threadID,
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Stats.DryRun || res.Stats.Inserted != 0 {
		t.Fatalf("stats = %+v", res.Stats)
	}
	item := res.Items[0]
	if len(item.Previews) != 2 || len(item.OutboundIDs) != 0 {
		t.Fatalf("dry run must carry previews, no ids: %+v", item)
	}

	// No rows written, source still pending and claim released.
	var n int64
	if err := db.Model(&domain.Message{}).Where("audience = ?", domain.AudienceBotToUser).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("dry run wrote %d outbound rows", n)
	}
	var src domain.Message
	if err := db.First(&src, "id = ?", srcID).Error; err != nil {
		t.Fatalf("read source: %v", err)
	}
	if src.ProcessedAt != nil || src.ClaimedBy != "" {
		t.Fatalf("dry run must leave the source pending and unclaimed: %+v", src)
	}
}

func TestProcess_SkipReasons(t *testing.T) {
	t.Run("missing author member", func(t *testing.T) {
		db := newServiceDB(t)
		svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
		_ = loopID
		// Legacy row without a membership handle.
		if _, err := repo.CreateInboundMessage(context.Background(), db, threadID, "profile-a", "", "legacy"); err != nil {
			t.Fatalf("seed: %v", err)
		}

		res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		assertSingleSkip(t, res, SkipMissingAuthorMember)
	})

	t.Run("missing loop", func(t *testing.T) {
		db := newServiceDB(t)
		svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
		postInbound(t, db, loopID, threadID, "orphaned author")
		// Remove the author's membership row after the post.
		if err := db.Where("profile_id = ?", "profile-a").Delete(&domain.Member{}).Error; err != nil {
			t.Fatalf("delete member: %v", err)
		}

		res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		assertSingleSkip(t, res, SkipMissingLoop)
	})

	t.Run("bot not a member of loop", func(t *testing.T) {
		db := newServiceDB(t)
		svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
		postInbound(t, db, loopID, threadID, "hello")

		res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "stranger-bot", ThreadID: threadID})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		assertSingleSkip(t, res, SkipBotNotMember)
	})

	t.Run("no recipients", func(t *testing.T) {
		db := newServiceDB(t)
		// Loop holds only the author and the bot.
		svc, _, loopID, threadID := newRelayFixture(t, db)
		postInbound(t, db, loopID, threadID, "talking to myself")

		res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		assertSingleSkip(t, res, SkipNoRecipients)
	})

	t.Run("no replies generated", func(t *testing.T) {
		db := newServiceDB(t)
		svc, gen, loopID, threadID := newRelayFixture(t, db, "profile-b")
		gen.failFor = map[string]error{"profile-b": errors.New("provider down")}
		postInbound(t, db, loopID, threadID, "doomed")

		res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		assertSingleSkip(t, res, SkipNoReplies)
	})

	t.Run("publish failed", func(t *testing.T) {
		db := newServiceDB(t)
		svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
		srcID := postInbound(t, db, loopID, threadID, "unlucky")
		svc.Publisher = &failingPublisher{
			inner:   &RelayPublisher{DB: db},
			failFor: map[string]error{srcID: errors.New("constraint violated")},
		}

		res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		assertSingleSkip(t, res, SkipPublishFailed)

		// The source survives for a later retry.
		var src domain.Message
		if err := db.First(&src, "id = ?", srcID).Error; err != nil {
			t.Fatalf("read source: %v", err)
		}
		if src.ProcessedAt != nil {
			t.Fatalf("failed publish must leave the source pending")
		}
	})
}

func assertSingleSkip(t *testing.T, res *ProcessResult, reason string) {
	t.Helper()
	want := ProcessStats{Scanned: 1, Skipped: 1}
	if res.Stats != want {
		t.Fatalf("stats = %+v, want %+v", res.Stats, want)
	}
	if len(res.Items) != 1 || res.Items[0].SkippedReason != reason {
		t.Fatalf("items = %+v, want single skip %q", res.Items, reason)
	}
}

func TestProcess_PartialRecipientFailureStillPublishes(t *testing.T) {
	db := newServiceDB(t)
	svc, gen, loopID, threadID := newRelayFixture(t, db, "profile-b", "profile-c")
	gen.failFor = map[string]error{"profile-b": errors.New("flaky")}
	postInbound(t, db, loopID, threadID, "partial")

	res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := ProcessStats{Scanned: 1, Processed: 1, Inserted: 1}
	if res.Stats != want {
		t.Fatalf("stats = %+v, want %+v", res.Stats, want)
	}

	var outbound []domain.Message
	if err := db.Where("audience = ?", domain.AudienceBotToUser).Find(&outbound).Error; err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	if len(outbound) != 1 || outbound[0].RecipientID == nil || *outbound[0].RecipientID != "profile-c" {
		t.Fatalf("only the healthy recipient must get a row: %+v", outbound)
	}
}

func TestProcess_OneFailureDoesNotAbortTheBatch(t *testing.T) {
	db := newServiceDB(t)
	svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
	bad := postInbound(t, db, loopID, threadID, "bad one")
	good := postInbound(t, db, loopID, threadID, "good one")
	// Force deterministic ordering.
	t0 := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	if err := db.Model(&domain.Message{}).Where("id = ?", bad).Update("created_at", t0).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	if err := db.Model(&domain.Message{}).Where("id = ?", good).Update("created_at", t0.Add(time.Second)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	svc.Publisher = &failingPublisher{
		inner:   &RelayPublisher{DB: db},
		failFor: map[string]error{bad: errors.New("boom")},
	}

	res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := ProcessStats{Scanned: 2, Processed: 1, Inserted: 1, Skipped: 1}
	if res.Stats != want {
		t.Fatalf("stats = %+v, want %+v", res.Stats, want)
	}
	if res.Items[0].SkippedReason != SkipPublishFailed || res.Items[1].SkippedReason != "" {
		t.Fatalf("items = %+v", res.Items)
	}
}

func TestProcess_LimitAndOrdering(t *testing.T) {
	db := newServiceDB(t)
	svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")

	t0 := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		id := postInbound(t, db, loopID, threadID, fmt.Sprintf("msg %d", i))
		if err := db.Model(&domain.Message{}).Where("id = ?", id).
			Update("created_at", t0.Add(time.Duration(i)*time.Second)).Error; err != nil {
			t.Fatalf("backdate: %v", err)
		}
		ids = append(ids, id)
	}

	res, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID, Limit: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Stats.Scanned != 2 {
		t.Fatalf("scanned = %d, want 2", res.Stats.Scanned)
	}
	if res.Items[0].SourceMessageID != ids[0] || res.Items[1].SourceMessageID != ids[1] {
		t.Fatalf("oldest-first ordering violated: %+v", res.Items)
	}

	// The third message is picked up by the next run.
	res, err = svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Stats.Scanned != 1 || res.Items[0].SourceMessageID != ids[2] {
		t.Fatalf("second run should pick up the remainder: %+v", res)
	}
}

func TestProcess_ConfiguredBatchCapWins(t *testing.T) {
	db := newServiceDB(t)
	svc, _, loopID, threadID := newRelayFixture(t, db, "profile-b")
	svc.MaxBatch = 1

	for i := 0; i < 3; i++ {
		postInbound(t, db, loopID, threadID, fmt.Sprintf("update %d", i))
	}

	// The operator cap bounds the run even when the caller asks for more.
	res, err := svc.Process(context.Background(), ProcessRequest{
		BotProfileID: "bot-z",
		ThreadID:     threadID,
		Limit:        50,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Stats.Scanned != 1 {
		t.Fatalf("scanned = %d, want 1", res.Stats.Scanned)
	}

	// The implicit default limit is bounded by the same cap.
	res, err = svc.Process(context.Background(), ProcessRequest{
		BotProfileID: "bot-z",
		ThreadID:     threadID,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Stats.Scanned != 1 {
		t.Fatalf("default-limit scanned = %d, want 1", res.Stats.Scanned)
	}
}

func TestProcess_ReleasesClaimsAfterRun(t *testing.T) {
	db := newServiceDB(t)
	svc, gen, loopID, threadID := newRelayFixture(t, db, "profile-b")
	gen.failFor = map[string]error{"profile-b": errors.New("down")}
	srcID := postInbound(t, db, loopID, threadID, "skipped but released")

	if _, err := svc.Process(context.Background(), ProcessRequest{BotProfileID: "bot-z", ThreadID: threadID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var src domain.Message
	if err := db.First(&src, "id = ?", srcID).Error; err != nil {
		t.Fatalf("read source: %v", err)
	}
	if src.ClaimedBy != "" || src.ClaimedAt != nil {
		t.Fatalf("claim must be released after the run: %+v", src)
	}
}
