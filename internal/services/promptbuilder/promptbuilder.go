// Package promptbuilder formats trade candidates, past episodes, and
// reflection notes into token-efficient prompts for the reasoning model.
package promptbuilder

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/internal/domain"
)

// SystemPrompt defines the global instructions for the validation model.
const SystemPrompt = `You are reviewing a proposed short-sell of a US tech stock after an earnings-driven surge that shows signs of exhaustion.

Judge whether the surge-then-slowdown setup justifies a staged short entry. Weigh the quantitative rules, the pullback from the surge peak, and the lessons from past trades included in the context.

Respond with ONLY valid JSON. No markdown, no code blocks, no additional text.

Required JSON structure:

{
  "confirmed": true or false,
  "confidence": <integer 0-100>,
  "risk_factors": ["<risk1>", "<risk2>"],
  "final_reasoning": "<1-2 sentences>"
}`

// CritiquePrompt asks the model to play devil's advocate against its own
// prior answer. Used for each self-verification iteration.
const CritiquePrompt = `Re-examine the short-sell decision below. Round 1 (Support): why is this trade safe and well-timed? Round 2 (Devil's Advocate): what could go wrong? List specific risks. Then give a revised final verdict in the same JSON format.

Your previous answer:
%s`

// ReflectionPrompt asks for exactly 3 reusable lessons from a finished trade.
const ReflectionPrompt = `Review the following completed short trade and extract exactly 3 lessons that could improve future trades. Be specific and actionable.

Trade record:
%s

Format:
Lesson 1: ...
Lesson 2: ...
Lesson 3: ...`

// PromptBuilder renders validation prompts for a single symbol.
type PromptBuilder struct {
	logger *zap.Logger
}

// New creates a prompt builder.
func New(logger *zap.Logger) *PromptBuilder {
	return &PromptBuilder{logger: logger}
}

// BuildValidationPrompt renders the initial assessment prompt for a candidate
// together with retrieved memory context.
func (b *PromptBuilder) BuildValidationPrompt(cand *domain.TradeCandidate, episodes []domain.Episode, notes []string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Candidate\nSymbol: %s\nDirection: %s\n", cand.Symbol, cand.Direction)
	fmt.Fprintf(&sb, "Surge: +%s%% at %s (price %s, baseline %s)\n",
		cand.Surge.Magnitude.StringFixed(2),
		cand.Surge.Timestamp.Format("2006-01-02 15:04"),
		cand.Surge.Price.StringFixed(2),
		cand.Surge.Metrics.Baseline.StringFixed(2))
	fmt.Fprintf(&sb, "Slowdown: pullback %s%% at %s (price %s, rules met %d/3: momentum_slow=%t volume_drop=%t pullback=%t)\n",
		cand.Slowdown.Magnitude.StringFixed(2),
		cand.Slowdown.Timestamp.Format("2006-01-02 15:04"),
		cand.Slowdown.Price.StringFixed(2),
		cand.Slowdown.Metrics.RulesMet,
		cand.Slowdown.Metrics.Momentum,
		cand.Slowdown.Metrics.VolumeDrop,
		cand.Slowdown.Metrics.Pullback)
	fmt.Fprintf(&sb, "Proposed size: %s shares, entry %s, stop loss %s\n",
		cand.ProposedSize.String(), cand.EntryPrice.StringFixed(2), cand.StopLoss.StringFixed(2))

	if len(episodes) > 0 {
		sb.WriteString("\n## Similar past trades\n")
		for _, ep := range episodes {
			fmt.Fprintf(&sb, "- %s %s: outcome=%s pnl=%s exit=%s\n",
				ep.Symbol, ep.ClosedAt.Format("2006-01-02"), ep.Outcome, ep.PnL.StringFixed(2), ep.ExitReason)
		}
	}

	if len(notes) > 0 {
		sb.WriteString("\n## Lessons from past reflections\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "%s\n", n)
		}
	}

	sb.WriteString("\nGive your verdict.")
	return sb.String()
}

// BuildCritiquePrompt renders one self-verification iteration over the prior
// answer.
func (b *PromptBuilder) BuildCritiquePrompt(priorAnswer string) string {
	return fmt.Sprintf(CritiquePrompt, priorAnswer)
}

// BuildReflectionPrompt renders the post-trade reflection request.
func (b *PromptBuilder) BuildReflectionPrompt(episodeJSON string) string {
	return fmt.Sprintf(ReflectionPrompt, episodeJSON)
}
