package correlation

import (
	"sort"
	"strings"
	"time"

	"github.com/bryanveloso/landale/internal/bus"
)

// MinFinalConfidence is the emission threshold for scored correlations.
const MinFinalConfidence = 0.4

// CorrelationWindowMS is the half-width of the window scanned around a
// transcription's estimated reply time.
const CorrelationWindowMS = 2_000

// Pattern names, used in log fields and the emitted Correlation.
const (
	PatternDirectQuote      = "direct_quote"
	PatternKeywordEcho      = "keyword_echo"
	PatternEmoteReaction    = "emote_reaction"
	PatternQuestionResponse = "question_response"
	PatternTemporalOnly     = "temporal_only"
)

const (
	TimingImmediateReaction = "immediate_reaction"
	TimingQuickResponse     = "quick_response"
	TimingDelayedReaction   = "delayed_reaction"
	TimingDiscussionSpawn   = "discussion_spawn"
	TimingOutlier           = "outlier"
)

// TranscriptionEvent is one incoming transcription (stream audio
// transcript line, voice-to-text, etc.) fed into the correlation engine.
type TranscriptionEvent struct {
	Timestamp time.Time
	Text      string
	WordCount int
}

// ChatMessage is one chat line buffered for correlation against
// transcription events.
type ChatMessage struct {
	Timestamp time.Time
	Text      string
}

// Correlation is one scored (transcription, chat message) pairing.
type Correlation struct {
	TranscriptionTimestamp time.Time
	ChatTimestamp          time.Time
	Pattern                string
	Timing                 string
	Confidence             float64
}

// TemporalEngine scores candidate (transcription, chat) pairings within the
// current delay-estimate window and emits the confident ones on the
// "correlation:temporal" bus topic (spec.md §4.12).
type TemporalEngine struct {
	bus        *bus.Bus
	analyzer   *TemporalAnalyzer
	chatBuffer *SlidingBuffer
}

// NewTemporalEngine constructs an engine backed by the given analyzer and
// a dedicated chat sliding buffer (300-entry default, matching the chat
// volume this buffer sees versus the lower-volume transcription stream).
func NewTemporalEngine(b *bus.Bus, analyzer *TemporalAnalyzer) *TemporalEngine {
	return &TemporalEngine{
		bus:        b,
		analyzer:   analyzer,
		chatBuffer: NewSlidingBuffer(DefaultWindowMS, LargeMaxSize),
	}
}

// AddChatMessage buffers a chat message for future correlation and feeds
// the analyzer's chat signal.
func (e *TemporalEngine) AddChatMessage(msg ChatMessage) {
	e.chatBuffer.Insert(msg.Timestamp, msg)
	e.analyzer.AddChatEvent(msg.Timestamp)
}

// EstimateDelay re-runs the analyzer's delay estimation pass as of now,
// meant to be called on a periodic (default 60s) timer by the caller.
func (e *TemporalEngine) EstimateDelay(now time.Time) error {
	return e.analyzer.EstimateDelay(now)
}

// DropStaleBuckets drops signal buckets older than 2x the analysis
// window, meant to be called on a periodic (default 2min) timer.
func (e *TemporalEngine) DropStaleBuckets(now time.Time) {
	e.analyzer.DropStaleBuckets(now)
}

// Correlate scores ev against buffered chat messages within the current
// delay-estimate window, publishes and returns the confident matches
// (final confidence >= MinFinalConfidence), sorted by descending
// confidence. Also feeds the analyzer's transcription signal.
func (e *TemporalEngine) Correlate(ev TranscriptionEvent) []Correlation {
	e.analyzer.AddTranscriptionEvent(ev.Timestamp, ev.WordCount)

	delayMS := e.analyzer.DelayMS()
	delayConfidence := e.analyzer.Confidence()

	windowStart := ev.Timestamp.Add(time.Duration(delayMS-CorrelationWindowMS) * time.Millisecond)
	windowEnd := ev.Timestamp.Add(time.Duration(delayMS+CorrelationWindowMS) * time.Millisecond)

	candidates := e.chatBuffer.GetRange(windowStart, windowEnd)

	var out []Correlation
	for _, entry := range candidates {
		chat, ok := entry.Value.(ChatMessage)
		if !ok {
			continue
		}
		pattern, base := scorePattern(ev.Text, chat.Text)
		timingDeviationMS := chat.Timestamp.Sub(ev.Timestamp).Milliseconds() - delayMS
		timing, multiplier := scoreTiming(timingDeviationMS)

		final := base * multiplier * delayConfidence
		if final < MinFinalConfidence {
			continue
		}
		out = append(out, Correlation{
			TranscriptionTimestamp: ev.Timestamp,
			ChatTimestamp:          chat.Timestamp,
			Pattern:                pattern,
			Timing:                 timing,
			Confidence:             final,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })

	if e.bus != nil {
		for _, c := range out {
			e.bus.Publish(bus.Message{Topic: "correlation:temporal", Payload: c})
		}
	}

	return out
}

// scorePattern applies the first-match-wins textual rule set from
// spec.md §4.12.
func scorePattern(transcriptionText, chatText string) (pattern string, score float64) {
	if len(transcriptionText) > 5 && strings.Contains(strings.ToLower(chatText), strings.ToLower(transcriptionText)) {
		return PatternDirectQuote, 0.9
	}

	transWords := significantWords(transcriptionText)
	chatWords := significantWords(chatText)
	if len(chatWords) > 0 {
		overlap := overlapCount(transWords, chatWords)
		ratio := float64(overlap) / float64(len(chatWords))
		if overlap >= 2 && ratio >= 0.3 {
			return PatternKeywordEcho, 0.7
		}
	}

	if containsReactionToken(chatText) {
		return PatternEmoteReaction, 0.6
	}

	if strings.Contains(chatText, "?") && containsAny(chatText, questionWords) {
		return PatternQuestionResponse, 0.5
	}

	return PatternTemporalOnly, 0.3
}

// scoreTiming buckets an absolute timing deviation (ms) into one of the
// named temporal patterns and its multiplier.
func scoreTiming(deviationMS int64) (timing string, multiplier float64) {
	abs := deviationMS
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= 1_000:
		return TimingImmediateReaction, 1.0
	case abs <= 3_000:
		return TimingQuickResponse, 0.9
	case abs <= 8_000:
		return TimingDelayedReaction, 0.7
	case abs <= 15_000:
		return TimingDiscussionSpawn, 0.5
	default:
		return TimingOutlier, 0.5
	}
}
