// Command eventcore runs the stream-event integration core: the OBS
// WebSocket v5 and Twitch EventSub protocol state machines, the in-process
// publish/subscribe bus consumers subscribe to, and the temporal
// correlation engine, wired together and run until terminated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bryanveloso/landale/internal/activity"
	"github.com/bryanveloso/landale/internal/bus"
	"github.com/bryanveloso/landale/internal/config"
	"github.com/bryanveloso/landale/internal/correlation"
	"github.com/bryanveloso/landale/internal/logger"
	"github.com/bryanveloso/landale/internal/obs"
	"github.com/bryanveloso/landale/internal/twitch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventcore: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Msg("starting stream-event integration core")

	messageBus := bus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	activitySink := newActivitySink(cfg, log)
	defer activitySink.Close()

	tokenManager, err := newTokenManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token manager")
	}
	if err := tokenManager.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted token, waiting for one to be provisioned")
	}
	if err := tokenManager.StartScheduler(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start token validation scheduler")
	}
	defer tokenManager.StopScheduler()

	obsSupervisor := obs.NewSessionsSupervisor(messageBus)
	obsURL := fmt.Sprintf("ws://%s:%d", cfg.OBSWebSocketHost, cfg.OBSWebSocketPort)
	if err := obsSupervisor.StartSession(ctx, "primary", obsURL, cfg.OBSWebSocketPassword); err != nil {
		log.Fatal().Err(err).Msg("failed to start OBS session")
	}
	defer obsSupervisor.StopAll()

	router := twitch.NewRouter()
	eventHandler := twitch.NewEventHandler(messageBus, activitySink)
	router.OnNotification(eventHandler.Handle)

	twitchConn := twitch.NewConnection(cfg.TwitchClientID, tokenManager.AccessToken(), router, messageBus)
	eventsub := twitch.NewEventSubManager(cfg.TwitchClientID, tokenManager.AccessToken, tokenManager, cfg.EventSubMaxTotalCost)
	sessionManager := twitch.NewSessionManager(twitchConn, eventsub, tokenManager)
	sessionManager.OnSubscriptionFailure(func(err error) {
		log.Error().Err(err).Msg("default subscription creation failed, session remains up")
		messageBus.Publish(bus.Message{Topic: "dashboard", Payload: "twitch_subscription_creation_failed"})
	})

	log.Info().Msg("opening Twitch EventSub connection")
	twitchConn.Open(ctx)
	defer twitchConn.Close()

	analyzer := correlation.NewTemporalAnalyzer()
	engine := correlation.NewTemporalEngine(messageBus, analyzer)
	stopCorrelation := runCorrelationEngine(ctx, messageBus, engine, log)
	defer stopCorrelation()

	if mirror := newNatsMirror(cfg, messageBus, log); mirror != nil {
		defer mirror.Close()
	}

	log.Info().Msg("stream-event integration core ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("shutdown signal received, stopping")
}

// newActivitySink builds the Postgres-backed sink when DATABASE_URL is
// configured, falling back to a no-op sink otherwise (spec.md §6,
// SPEC_FULL.md §3's activity-log handoff).
func newActivitySink(cfg *config.Config, log *zerolog.Logger) activity.Sink {
	if cfg.DatabaseURL == "" {
		log.Info().Msg("DATABASE_URL not set, activity events will not be persisted")
		return activity.NoopSink{}
	}
	sink, err := activity.NewPostgresSink(cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize activity sink, falling back to no-op")
		return activity.NoopSink{}
	}
	return sink
}

// newTokenManager wires the OAuth token lifecycle manager, including the
// optional Redis-backed distributed coalescing lock (spec.md §4.10).
func newTokenManager(cfg *config.Config) (*twitch.TokenManager, error) {
	store, err := twitch.NewFileTokenStore(cfg.TokenStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}

	var redisCache twitch.RedisCache
	if cfg.CacheEnabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		redisCache = twitch.NewGoRedisCache(client)
	}

	return twitch.NewTokenManager(cfg.TwitchClientID, cfg.TwitchClientSecret, store, redisCache), nil
}

// newNatsMirror connects the optional NATS mirror when NATS_URL is
// configured, fanning the dashboard, OBS, and correlation topics out for
// any out-of-process collaborator that wants the same stream without
// dialing OBS or Twitch itself. Returns nil when unconfigured.
func newNatsMirror(cfg *config.Config, b *bus.Bus, log *zerolog.Logger) *bus.NatsMirror {
	if cfg.NATSURL == "" {
		return nil
	}
	mirror, err := bus.NewNatsMirror(cfg.NATSURL)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect nats mirror, continuing without it")
		return nil
	}
	for _, topic := range []string{"dashboard", "obs:events", "obs:stats", "correlation:temporal"} {
		mirror.Mirror(b, topic)
	}
	log.Info().Str("url", cfg.NATSURL).Msg("nats mirror connected")
	return mirror
}

// chatMessageEvent is the subset of a channel.chat.message EventSub
// notification the correlation engine needs.
type chatMessageEvent struct {
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// runCorrelationEngine feeds buffered chat messages into the temporal
// engine, re-estimates the transcription/chat delay every 60s, and drops
// stale signal buckets every 2 minutes, matching the periods spec.md
// §4.12 names. The transcription signal itself is fed by an external
// speech-to-text integration out of this core's scope (spec.md §1); this
// core only owns the chat side of the buffer and the scoring engine.
func runCorrelationEngine(ctx context.Context, b *bus.Bus, engine *correlation.TemporalEngine, log *zerolog.Logger) func() {
	chatSub := b.Subscribe("chat")

	estimateTicker := time.NewTicker(60 * time.Second)
	pruneTicker := time.NewTicker(2 * time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-chatSub.C:
				if !ok {
					return
				}
				handleChatMessage(engine, msg, log)
			case now := <-estimateTicker.C:
				if err := engine.EstimateDelay(now); err != nil {
					log.Debug().Err(err).Msg("delay estimation skipped")
				}
			case now := <-pruneTicker.C:
				engine.DropStaleBuckets(now)
			}
		}
	}()

	return func() {
		estimateTicker.Stop()
		pruneTicker.Stop()
		chatSub.Unsubscribe()
		<-done
	}
}

func handleChatMessage(engine *correlation.TemporalEngine, msg bus.Message, log *zerolog.Logger) {
	envelope, ok := msg.Payload.(twitch.Envelope)
	if !ok {
		return
	}
	var event chatMessageEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		log.Warn().Err(err).Msg("failed to decode chat message for correlation")
		return
	}
	engine.AddChatMessage(correlation.ChatMessage{Timestamp: envelope.Timestamp, Text: event.Message.Text})
}
