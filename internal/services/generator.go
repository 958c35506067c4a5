// Package services: ReplyGenerator
//
// This file implements the ReplyGenerator, which turns one (sender,
// recipient) pair plus a bounded window of the sender's recent messages into
// a short relay text via the configured text-generation provider.
//
// The generator is read-only with respect to the data store and must never
// run while a database transaction is open: the provider call is the one
// operation in the pipeline allowed to block on network I/O, and holding a
// transaction across it would stall other workers.
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/arvind24rao/loopworking/internal/llm"
	"github.com/arvind24rao/loopworking/internal/utils"
)

const (
	// relaySystemPrompt frames every relay completion.
	relaySystemPrompt = "You are Loop's relay bot. You write short, neutral, actionable summaries " +
		"to forward from one participant to another. Never include private messages " +
		"from the recipient themself; only summarize what the sender said. Be concise."

	// relayTemplate carries the per-pair instruction; %s slots are
	// (recipient label, sender label).
	relayTemplate = "Write a 1-3 sentence update for %s about what %s said. " +
		"Prefer concrete facts, dates, owners, and next steps. Avoid speculation. " +
		"If there is nothing meaningful, reply with a very brief courtesy note."

	// defaultContextMessages bounds how many recent sender messages feed the
	// prompt.
	defaultContextMessages = 5
	// defaultSnippetRunes caps each context snippet.
	defaultSnippetRunes = 240
	// defaultReplyRunes caps the returned relay text.
	defaultReplyRunes = 600
	// defaultMaxTokens caps the completion length requested from the provider.
	defaultMaxTokens = 160
	// fallbackReply substitutes an empty model output.
	fallbackReply = "FYI."
)

// ReplyGenerator produces per-recipient relay text with bounded prompts and
// bounded retries.
type ReplyGenerator struct {
	Provider llm.Provider
	Backoff  llm.BackoffPolicy

	// Optional overrides; zero values fall back to the package defaults.
	MaxContextMessages int
	SnippetMaxRunes    int
	ReplyMaxRunes      int
	MaxTokens          int
}

// NewReplyGenerator constructs a generator with the default bounds.
func NewReplyGenerator(p llm.Provider, backoff llm.BackoffPolicy) *ReplyGenerator {
	return &ReplyGenerator{Provider: p, Backoff: backoff}
}

// GenerateInput identifies one relay pair and its generation context.
type GenerateInput struct {
	SenderID    string
	RecipientID string
	ThreadID    string
	LoopID      string
	// RecentMessages is the sender's recent inbound content in this thread,
	// oldest first. The generator keeps only the last MaxContextMessages
	// entries and caps each at SnippetMaxRunes.
	RecentMessages []string
}

// Generate issues one bounded provider call for the pair, retrying
// transient failures per the backoff policy. The returned text is trimmed
// to ReplyMaxRunes; an empty completion is substituted with a fixed neutral
// fallback rather than propagated as empty.
func (g *ReplyGenerator) Generate(ctx context.Context, in GenerateInput) (string, error) {
	req := llm.Request{
		System:    relaySystemPrompt,
		Prompt:    g.buildPrompt(in),
		MaxTokens: g.maxTokens(),
	}

	out, err := g.Backoff.Retry(ctx, func() (string, error) {
		return g.Provider.Complete(ctx, req)
	})
	if err != nil {
		return "", err
	}

	out = utils.ClipRunes(strings.TrimSpace(out), g.replyMaxRunes())
	if out == "" {
		return fallbackReply, nil
	}
	return out, nil
}

// buildPrompt assembles the bounded user-role prompt.
func (g *ReplyGenerator) buildPrompt(in GenerateInput) string {
	senderLabel := "sender " + in.SenderID
	recipientLabel := "recipient " + in.RecipientID

	var b strings.Builder
	fmt.Fprintf(&b, relayTemplate, recipientLabel, senderLabel)
	b.WriteString("\n\nThread: ")
	b.WriteString(in.ThreadID)
	b.WriteString("\nLoop: ")
	b.WriteString(in.LoopID)
	fmt.Fprintf(&b, "\nContext from %s (oldest to newest):\n", senderLabel)
	b.WriteString(g.joinContext(in.RecentMessages))
	b.WriteString("\n")
	return b.String()
}

// joinContext keeps the last K snippets, trims and caps each, and joins
// them with blank lines. Empty snippets are dropped; an empty window
// renders as a placeholder so the prompt shape stays stable.
func (g *ReplyGenerator) joinContext(snippets []string) string {
	k := g.maxContextMessages()
	if len(snippets) > k {
		snippets = snippets[len(snippets)-k:]
	}
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		parts = append(parts, utils.ClipRunes(s, g.snippetMaxRunes()))
	}
	if len(parts) == 0 {
		return "(no context)"
	}
	return strings.Join(parts, "\n\n")
}

func (g *ReplyGenerator) maxContextMessages() int {
	if g.MaxContextMessages > 0 {
		return g.MaxContextMessages
	}
	return defaultContextMessages
}

func (g *ReplyGenerator) snippetMaxRunes() int {
	if g.SnippetMaxRunes > 0 {
		return g.SnippetMaxRunes
	}
	return defaultSnippetRunes
}

func (g *ReplyGenerator) replyMaxRunes() int {
	if g.ReplyMaxRunes > 0 {
		return g.ReplyMaxRunes
	}
	return defaultReplyRunes
}

func (g *ReplyGenerator) maxTokens() int {
	if g.MaxTokens > 0 {
		return g.MaxTokens
	}
	return defaultMaxTokens
}
