package threads

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
)

const (
	// MaxSummaryWords caps model-merged summaries.
	MaxSummaryWords = 150
	// MaxSummaryChars bounds the stored summary text.
	MaxSummaryChars = 4000

	maxNoteChars      = 300
	maxMergeBodyChars = 2000
	maxPreviewChars   = 500
	dateLayout        = "2006-01-02"
)

// Sentiment trends recorded in summary metadata.
const (
	TrendInitial              = "initial"
	TrendEscalatingNegativity = "escalating negativity"
	TrendPersistentNegativity = "persistent negativity"
	TrendDeclining            = "declining"
	TrendImproving            = "improving"
	TrendConsistentlyPositive = "consistently positive"
	TrendStable               = "stable"
	TrendMixed                = "mixed sentiment"
)

// SentimentTrend classifies the move from the previous to the current
// sentiment reading.
func SentimentTrend(prev string, prevScore float64, cur string, curScore float64) string {
	switch {
	case prev == "":
		return TrendInitial
	case prev == "negative" && cur == "negative":
		if curScore >= prevScore {
			return TrendEscalatingNegativity
		}
		return TrendPersistentNegativity
	case cur == "negative":
		return TrendDeclining
	case prev == "negative":
		return TrendImproving
	case prev == "positive" && cur == "positive":
		return TrendConsistentlyPositive
	case prev == cur:
		return TrendStable
	default:
		return TrendMixed
	}
}

// FormatResult renders one analysis result as a short summary without a
// model call.
func FormatResult(kind analysis.Kind, msg analysis.Message, payload json.RawMessage) string {
	return fmt.Sprintf("%s: %s", messageLabel(msg), describeResult(kind, payload))
}

func messageLabel(msg analysis.Message) string {
	label := "Email"
	if msg.From.Email != "" {
		label += " from " + msg.From.String()
	}
	if !msg.ReceivedAt.IsZero() {
		label += " on " + msg.ReceivedAt.UTC().Format(dateLayout)
	}
	if msg.Subject != "" {
		label += fmt.Sprintf(" (%q)", msg.Subject)
	}
	return label
}

func describeResult(kind analysis.Kind, payload json.RawMessage) string {
	var p struct {
		Value       string   `json:"value"`
		Confidence  *float64 `json:"confidence"`
		Detected    *bool    `json:"detected"`
		Reason      string   `json:"reason"`
		Urgency     string   `json:"urgency"`
		RiskLevel   string   `json:"riskLevel"`
		Indicators  []string `json:"indicators"`
		Opportunity string   `json:"opportunity"`
		Product     string   `json:"product"`
		Message     string   `json:"message"`
		Category    string   `json:"category"`
		Competitors []string `json:"competitors"`
		Context     string   `json:"context"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return string(kind) + " result unavailable"
	}
	conf := ""
	if p.Confidence != nil {
		conf = fmt.Sprintf(" (confidence %.2f)", *p.Confidence)
	}
	detected := p.Detected != nil && *p.Detected

	switch kind {
	case analysis.KindSentiment:
		return fmt.Sprintf("sentiment %s%s.", p.Value, conf)
	case analysis.KindEscalation:
		if !detected {
			return "no escalation" + conf + "."
		}
		s := "escalation detected"
		if p.Urgency != "" {
			s += ", urgency " + p.Urgency
		}
		if p.Reason != "" {
			s += ": " + p.Reason
		}
		return s + conf + "."
	case analysis.KindChurn:
		s := fmt.Sprintf("churn risk %s%s", p.RiskLevel, conf)
		if len(p.Indicators) > 0 {
			s += "; indicators: " + strings.Join(p.Indicators, ", ")
		}
		return s + "."
	case analysis.KindUpsell:
		if !detected {
			return "no upsell opportunity" + conf + "."
		}
		return joinNonEmpty("upsell opportunity"+conf, p.Opportunity, p.Product) + "."
	case analysis.KindKudos:
		if !detected {
			return "no kudos" + conf + "."
		}
		return joinNonEmpty("kudos"+conf, p.Category, p.Message) + "."
	case analysis.KindCompetitor:
		if !detected {
			return "no competitor mentioned" + conf + "."
		}
		return joinNonEmpty("competitors mentioned"+conf, strings.Join(p.Competitors, ", "), p.Context) + "."
	default:
		return string(kind) + ": " + genericFields(payload)
	}
}

func joinNonEmpty(head string, parts ...string) string {
	out := head
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out += "; " + p
		}
	}
	return out
}

func genericFields(payload json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil || len(m) == 0 {
		return "no details"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

// AppendNote appends a dated note about the new result to summary, keeping
// the stored text bounded.
func AppendNote(summary string, kind analysis.Kind, msg analysis.Message, payload json.RawMessage, now time.Time) string {
	date := now
	if !msg.ReceivedAt.IsZero() {
		date = msg.ReceivedAt
	}
	note := fmt.Sprintf("[%s] %s", date.UTC().Format(dateLayout), analysis.TruncateText(describeResult(kind, payload), maxNoteChars))
	out := strings.TrimSpace(summary) + "\n" + note
	if len(out) > MaxSummaryChars {
		cut := len(out) - MaxSummaryChars + 3
		for cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut++
		}
		out = "..." + out[cut:]
	}
	return out
}

// mergePrompt builds the prompt asking a model to fold the new result into
// the existing summary.
func mergePrompt(existing *Summary, kind analysis.Kind, msg analysis.Message, payload json.RawMessage, meta map[string]any) (system, user string) {
	system = fmt.Sprintf("You maintain a running summary of an email thread for %s analysis. "+
		"Merge the new analysis into the existing summary. Keep the facts that still matter, "+
		"note how things changed, and write at most %d words of plain text.", kind, MaxSummaryWords)

	var b strings.Builder
	b.WriteString("## Existing summary\n")
	b.WriteString(existing.Summary)
	b.WriteString("\n\n## New email\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From.String())
	if !msg.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", msg.ReceivedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Subject: %s\n\n%s\n", msg.Subject, analysis.TruncateText(msg.Body, maxMergeBodyChars))
	b.WriteString("\n## New analysis result\n")
	b.Write(payload)
	b.WriteString("\n")

	if kind == analysis.KindSentiment {
		prev, _ := meta[MetaPreviousSentiment].(string)
		cur, _ := meta[MetaCurrentSentiment].(string)
		trend, _ := meta[MetaSentimentTrend].(string)
		b.WriteString("\n## Sentiment trend\n")
		if prev != "" {
			fmt.Fprintf(&b, "Previous email sentiment: %s (score %.2f)\n", prev, floatValue(meta[MetaPreviousSentimentScore]))
		}
		fmt.Fprintf(&b, "Current email sentiment: %s (score %.2f)\n", cur, floatValue(meta[MetaCurrentSentimentScore]))
		if trend != "" {
			fmt.Fprintf(&b, "Trend: %s\n", trend)
		}
		b.WriteString("Describe the trend (for example escalating negativity or mixed sentiment) in the summary.\n")
	}
	b.WriteString("\nReturn only the updated summary text.")
	return system, b.String()
}

// RenderContext renders summaries as a context block. When forKind is
// sentiment and a sentiment summary exists, it leads with a sentiment
// history section including the last known reading.
func RenderContext(summaries []Summary, forKind analysis.Kind) string {
	if len(summaries) == 0 {
		return ""
	}
	var b strings.Builder
	for i, s := range summaries {
		if i > 0 {
			b.WriteString("\n")
		}
		if s.Kind == analysis.KindSentiment && forKind == analysis.KindSentiment {
			b.WriteString("### Thread sentiment history\n")
			if cur, _ := s.Metadata[MetaCurrentSentiment].(string); cur != "" {
				fmt.Fprintf(&b, "Last known sentiment: %s (score %.2f)", cur, floatValue(s.Metadata[MetaCurrentSentimentScore]))
				if trend, _ := s.Metadata[MetaSentimentTrend].(string); trend != "" {
					fmt.Fprintf(&b, ", trend: %s", trend)
				}
				b.WriteString("\n")
			}
			b.WriteString(s.Summary)
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "### Thread summary (%s, as of %s)\n%s\n", s.Kind, s.LastAnalyzedAt.UTC().Format(dateLayout), s.Summary)
	}
	return strings.TrimSpace(b.String())
}

// FormatRecentMessages renders the last messages of a thread, oldest first,
// for use when no summaries exist yet.
func FormatRecentMessages(msgs []analysis.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("### Recent messages in this thread\n")
	for i, m := range msgs {
		fmt.Fprintf(&b, "%d. %s\n%s\n", i+1, messageLabel(m), analysis.TruncateText(m.Body, maxPreviewChars))
	}
	return strings.TrimSpace(b.String())
}

func floatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
