// Command nostrdiced runs the NostrDice server: it wires together the Bet
// Store, Multiplier Registry, Nonce Round Manager, Zap Ingestor, Roll &
// Settlement Engine, Payout Dispatcher, and Fraud-Proof Surface, then blocks
// until an interrupt signal asks it to shut down. Wiring and graceful
// shutdown follow the teacher's services/payoutd/main.go: telemetry and
// logging initialised first, a single signal.NotifyContext driving shutdown,
// background loops fed by channels rather than polling.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"nostrdice/internal/config"
	"nostrdice/internal/fraudproof"
	"nostrdice/internal/lightning"
	"nostrdice/internal/nonceround"
	"nostrdice/internal/nostrevt"
	"nostrdice/internal/payout"
	"nostrdice/internal/registry"
	"nostrdice/internal/relay"
	"nostrdice/internal/rollengine"
	"nostrdice/internal/schnorrsig"
	"nostrdice/internal/store"
	"nostrdice/internal/zapingest"
	"nostrdice/observability/logging"
	telemetry "nostrdice/observability/otel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nostrdiced:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ParseFlags(flag.CommandLine, os.Args[1:]); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	env := os.Getenv("NOSTRDICE_ENV")
	logger := logging.Setup("nostrdiced", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "nostrdiced",
		Environment: env,
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    true,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	signerHex := os.Getenv(cfg.ServerPrivkeyEnv)
	if signerHex == "" {
		return fmt.Errorf("%s is required (server's Nostr identity key)", cfg.ServerPrivkeyEnv)
	}
	signer, err := schnorrsig.NewPrivateKey(signerHex)
	if err != nil {
		return fmt.Errorf("load server identity key: %w", err)
	}
	sign := func(eventID string) (string, error) { return signer.Sign(eventID) }

	jwtSecretHex := os.Getenv(cfg.JWTSecretEnv)
	jwtSecret, err := decodeOptionalHex(jwtSecretHex)
	if err != nil {
		return fmt.Errorf("decode %s: %w", cfg.JWTSecretEnv, err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DataDir+"/bets.db"), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open bet database: %w", err)
	}
	bets, err := store.NewBetStore(db)
	if err != nil {
		return fmt.Errorf("init bet store: %w", err)
	}

	rounds, err := store.NewNonceRoundStore(cfg.DataDir + "/rounds.bbolt")
	if err != nil {
		return fmt.Errorf("init round store: %w", err)
	}
	defer rounds.Close()

	reg, err := registry.Load(cfg.MultipliersFile)
	if err != nil {
		return fmt.Errorf("load multiplier registry: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayClient, err := relay.Dial(ctx, cfg.RelayURL, logger)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer relayClient.Close()

	lndNode, err := lightning.NewRPCNode(lightning.Config{
		Host:          cfg.LNDHost,
		Port:          cfg.LNDPort,
		CertFile:      cfg.CertFile,
		MacaroonFile:  cfg.MacaroonFile,
		AllowInsecure: cfg.Network == config.NetworkRegtest,
		Timeout:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init lightning node client: %w", err)
	}

	roundManager, err := nonceround.New(rounds, relayClient, sign, nonceround.Config{
		ExpireAfter: cfg.ExpireNonceAfter,
		RevealAfter: cfg.RevealNonceAfter,
		Pubkey:      signer.PubkeyHex(),
	}, logger)
	if err != nil {
		return fmt.Errorf("init nonce round manager: %w", err)
	}
	activeRound, err := roundManager.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap nonce round: %w", err)
	}
	go roundManager.Run(ctx, activeRound)

	addressResolver := lightning.NewAddressResolver(cfg.Network == config.NetworkRegtest, 15*time.Second)
	profileResolver := payout.NewRelayProfileResolver(relayClient, 10*time.Second, newSubIDSequence())
	dispatcher := payout.New(bets, profileResolver, addressResolver, lndNode, relayClient, sign, payout.Config{
		ServerPubkey: signer.PubkeyHex(),
	}, logger)

	queue := newPayoutQueue(ctx, dispatcher, logger, 16)
	defer queue.stop()

	engine := rollengine.New(bets, roundLookupAdapter{rounds}, reg, queue, logger)

	ingestor := zapingest.New(reg, activeRoundAdapter{rounds}, bets, lndNode, schnorrsig.Verify, zapingest.RateLimitConfig{
		PerSecond: 2,
		Burst:     5,
	}, logger)

	go runZapSubscription(ctx, relayClient, ingestor, logger)
	go runSettleSubscription(ctx, lndNode, engine, logger)

	if stuck, err := dispatcher.RecoverPaying(ctx); err != nil {
		logger.Error("nostrdiced: payout recovery scan failed", slog.Any("error", err))
	} else {
		for _, hash := range stuck {
			queue.Enqueue(ctx, hash)
		}
	}

	fraudServer := fraudproof.New(fraudproof.Config{
		Bets:      bets,
		Rounds:    rounds,
		Payouts:   dispatcher,
		JWTSecret: jwtSecret,
		JWTIssuer: cfg.JWTIssuer,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.FraudProofListenAddr,
		Handler:      otelhttp.NewHandler(fraudServer.Handler(), "fraudproof"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("nostrdiced: fraud-proof surface listening", slog.String("addr", cfg.FraudProofListenAddr))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func decodeOptionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// roundLookupAdapter satisfies rollengine.RoundStore over the bbolt-backed
// nonce round table.
type roundLookupAdapter struct{ rounds *store.NonceRoundStore }

func (a roundLookupAdapter) GetRound(roundID string) (*store.NonceRound, error) {
	return a.rounds.GetRound(roundID)
}

// activeRoundAdapter satisfies zapingest.RoundLookup, translating the full
// persisted NonceRound into the slice the ingestor actually needs.
type activeRoundAdapter struct{ rounds *store.NonceRoundStore }

func (a activeRoundAdapter) ActiveRound() (zapingest.ActiveRound, error) {
	round, err := a.rounds.ActiveRound()
	if err != nil {
		return zapingest.ActiveRound{}, err
	}
	return zapingest.ActiveRound{
		CommitEventID: round.CommitEventID,
		CommitmentHex: round.CommitmentHex,
	}, nil
}

// newSubIDSequence returns a function producing distinct relay subscription
// ids for successive profile lookups.
func newSubIDSequence() func() string {
	var n uint64
	return func() string {
		n++
		return "profile-" + strconv.FormatUint(n, 10)
	}
}

func runZapSubscription(ctx context.Context, client *relay.Client, ingestor *zapingest.Ingestor, logger *slog.Logger) {
	events, err := client.Subscribe(ctx, "zap-requests", map[string]interface{}{
		"kinds": []int{nostrevt.KindZapRequest},
	})
	if err != nil {
		logger.Error("nostrdiced: zap subscription failed", slog.Any("error", err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			invoice, err := ingestor.Ingest(ctx, event)
			if err != nil {
				logger.Warn("nostrdiced: zap rejected", slog.String("event_id", event.ID), slog.Any("error", err))
				continue
			}
			logger.Info("nostrdiced: bet invoice issued", slog.String("event_id", event.ID), slog.String("invoice", invoice))
		}
	}
}

func runSettleSubscription(ctx context.Context, node lightning.Node, engine *rollengine.Engine, logger *slog.Logger) {
	notes, err := node.SubscribeInvoices(ctx)
	if err != nil {
		logger.Error("nostrdiced: invoice subscription failed", slog.Any("error", err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			if err := engine.HandleSettle(ctx, note); err != nil {
				logger.Error("nostrdiced: settle handling failed", slog.Any("error", err))
			}
		}
	}
}
