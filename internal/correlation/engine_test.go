package correlation

import (
	"testing"
	"time"

	"github.com/bryanveloso/landale/internal/bus"
)

// forceAnalyzerState seeds an analyzer directly with a known delay and
// confidence, bypassing EstimateDelay, so engine scoring tests are
// deterministic regardless of the estimator's own behavior.
func forceAnalyzerState(a *TemporalAnalyzer, delayMS int64, confidence float64) {
	a.mu.Lock()
	a.delayMS = delayMS
	a.confidence = confidence
	a.mu.Unlock()
}

func TestCorrelateSeedScenario(t *testing.T) {
	b := bus.New()
	a := NewTemporalAnalyzer()
	forceAnalyzerState(a, 8000, 0.9)

	engine := NewTemporalEngine(b, a)

	base := time.Now()
	transcriptionTS := base
	chatTS := base.Add(8500 * time.Millisecond)

	engine.AddChatMessage(ChatMessage{Timestamp: chatTS, Text: "hello world"})

	results := engine.Correlate(TranscriptionEvent{
		Timestamp: transcriptionTS,
		Text:      "hello world how are you",
		WordCount: 5,
	})

	if len(results) != 1 {
		t.Fatalf("expected exactly one correlation, got %d: %+v", len(results), results)
	}
	c := results[0]
	if c.Pattern != PatternKeywordEcho {
		t.Fatalf("expected keyword_echo pattern, got %s", c.Pattern)
	}
	if c.Timing != TimingImmediateReaction {
		t.Fatalf("expected immediate_reaction timing, got %s", c.Timing)
	}
	const want = 0.7 * 1.0 * 0.9
	if diff := c.Confidence - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("expected confidence %.3f, got %.3f", want, c.Confidence)
	}
}

func TestCorrelateDropsBelowThreshold(t *testing.T) {
	b := bus.New()
	a := NewTemporalAnalyzer()
	forceAnalyzerState(a, 8000, 0.3)

	engine := NewTemporalEngine(b, a)
	base := time.Now()

	engine.AddChatMessage(ChatMessage{Timestamp: base.Add(8000 * time.Millisecond), Text: "unrelated text entirely"})

	results := engine.Correlate(TranscriptionEvent{Timestamp: base, Text: "something else", WordCount: 2})
	if len(results) != 0 {
		t.Fatalf("expected no correlations below threshold, got %+v", results)
	}
}

func TestCorrelatePublishesToBus(t *testing.T) {
	b := bus.New()
	a := NewTemporalAnalyzer()
	forceAnalyzerState(a, 1000, 1.0)

	sub := b.Subscribe("correlation:temporal")
	defer sub.Unsubscribe()

	engine := NewTemporalEngine(b, a)
	base := time.Now()
	engine.AddChatMessage(ChatMessage{Timestamp: base.Add(1000 * time.Millisecond), Text: "lol that was great"})

	engine.Correlate(TranscriptionEvent{Timestamp: base, Text: "something happened", WordCount: 3})

	select {
	case msg := <-sub.C:
		if _, ok := msg.Payload.(Correlation); !ok {
			t.Fatalf("expected Correlation payload, got %T", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a correlation to be published")
	}
}

func TestScorePatternDirectQuote(t *testing.T) {
	pattern, score := scorePattern("hello there", "well hello there friend")
	if pattern != PatternDirectQuote || score != 0.9 {
		t.Fatalf("expected direct_quote/0.9, got %s/%f", pattern, score)
	}
}

func TestScorePatternQuestionResponse(t *testing.T) {
	pattern, _ := scorePattern("xyz", "what is happening?")
	if pattern != PatternQuestionResponse {
		t.Fatalf("expected question_response, got %s", pattern)
	}
}

func TestScoreTimingBuckets(t *testing.T) {
	cases := []struct {
		deviation int64
		want      string
	}{
		{500, TimingImmediateReaction},
		{2000, TimingQuickResponse},
		{6000, TimingDelayedReaction},
		{12000, TimingDiscussionSpawn},
		{30000, TimingOutlier},
	}
	for _, c := range cases {
		timing, _ := scoreTiming(c.deviation)
		if timing != c.want {
			t.Fatalf("deviation %d: expected %s, got %s", c.deviation, c.want, timing)
		}
	}
}
