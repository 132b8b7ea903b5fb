// Command statetransferd runs the state-transfer engine as a standalone
// replica process: it opens the durable store, recovers any in-flight
// fetching session, and serves both roles (source and requester) over a
// pluggable transport for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/myh1000/concord-bft/engine/common/statetransfer"
	"github.com/myh1000/concord-bft/model/flow"
	"github.com/myh1000/concord-bft/module/component"
	"github.com/myh1000/concord-bft/module/irrecoverable"
	"github.com/myh1000/concord-bft/module/metrics"
	statetransferconfig "github.com/myh1000/concord-bft/module/statetransfer"
	"github.com/myh1000/concord-bft/module/statetransfer/core"
	badgerstore "github.com/myh1000/concord-bft/storage/badger/statetransfer"
)

const (
	dbOpenRetryBase = 100 * time.Millisecond
	dbOpenRetryMax  = 5 * time.Second
	dbOpenAttempts  = 5
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "statetransferd",
		Short: "runs a state-transfer replica process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("datadir", "./data", "durable store directory")
	flags.Uint32("replica-id", 0, "this replica's numeric ID")
	flags.Uint32("f-val", 1, "maximum tolerated faulty replicas (f)")
	flags.Uint32("c-val", 0, "maximum tolerated slow replicas (c)")
	flags.String("log-level", "info", "zerolog level")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("STATETRANSFER")
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper) error {
	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()

	cfg := statetransferconfig.DefaultConfig()
	cfg.MyReplicaID = flow.ReplicaID(v.GetUint32("replica-id"))
	cfg.FVal = v.GetUint32("f-val")
	cfg.CVal = v.GetUint32("c-val")
	cfg.NumReplicas = 3*cfg.FVal + 2*cfg.CVal + 1
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, err := openBadgerWithRetry(v.GetString("datadir"), log)
	if err != nil {
		return fmt.Errorf("could not open durable store: %w", err)
	}
	defer db.Close()

	store := badgerstore.New(db)
	appState := newInMemoryAppState()
	transport := newLoopbackTransport(cfg.MyReplicaID)
	collector := metrics.NewPrometheusCollector()

	engineCore, err := core.New(log, cfg, store, appState, transport, statetransferconfig.SystemClock{}, collector)
	if err != nil {
		return fmt.Errorf("could not construct protocol engine: %w", err)
	}

	refreshInterval := time.Duration(cfg.RefreshTimerMs) * time.Millisecond
	eng, err := statetransfer.New(log, engineCore, collector, refreshInterval, 4096)
	if err != nil {
		return fmt.Errorf("could not construct engine: %w", err)
	}
	if err := eng.Init(); err != nil {
		return fmt.Errorf("could not recover durable state: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalerCtx, errCh := irrecoverable.WithSignaler(ctx)

	eng.Start(signalerCtx)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	select {
	case <-eng.Ready():
		log.Info().Msg("state transfer engine ready")
	case err := <-errCh:
		return fmt.Errorf("engine failed to start: %w", err)
	}

	select {
	case <-eng.Done():
	case err := <-errCh:
		return fmt.Errorf("engine crashed: %w", err)
	}
	return nil
}

func openBadgerWithRetry(dir string, log zerolog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)

	backoff := retry.NewExponential(dbOpenRetryBase)
	backoff = retry.WithCappedDuration(dbOpenRetryMax, backoff)
	backoff = retry.WithMaxRetries(dbOpenAttempts, backoff)

	var db *badger.DB
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		var openErr error
		db, openErr = badger.Open(opts)
		if openErr != nil {
			log.Warn().Err(openErr).Msg("could not open durable store, retrying")
			return retry.RetryableError(openErr)
		}
		return nil
	})
	return db, err
}

var _ component.Component = (*statetransfer.Engine)(nil)
