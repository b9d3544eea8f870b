// Command perpsd is the perpetuals execution core's entrypoint, ported
// from core/jupiter_perps/runner.py's main(): parse flags/env, wire every
// collaborator, acquire the instance lock, install signal handling, and
// hand off to the runner until it stops.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	stdsignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"perpsd/alerts"
	"perpsd/chainclient"
	"perpsd/config"
	"perpsd/costgate"
	"perpsd/execution"
	"perpsd/integrity"
	"perpsd/journal"
	"perpsd/livecontrol"
	"perpsd/logx"
	"perpsd/metrics"
	"perpsd/position"
	"perpsd/pricefeed"
	"perpsd/reconcile"
	"perpsd/runner"
	aisignal "perpsd/signal"
	"perpsd/signer"
	"perpsd/txbuilder"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	var (
		dryRun          = flag.Bool("dry-run", cfg.DryRun, "simulate execution instead of submitting to chain")
		debug           = flag.Bool("debug", false, "enable debug-level structured logging")
		runtimeSeconds  = flag.Int("runtime-seconds", 0, "stop automatically after N seconds (0 = run until signalled)")
		runtimeDir      = flag.String("runtime-dir", cfg.RuntimeDir, "directory for lock/state/queue files")
		walletAddress   = flag.String("wallet-address", cfg.WalletAddress, "wallet public key to trade from")
		rpcURL          = flag.String("rpc-url", cfg.RPCURL, "Solana RPC endpoint")
		intentQueuePath = flag.String("intent-queue-path", "", "NDJSON file external producers append intents to (empty disables)")
		signalQueuePath = flag.String("signal-queue-path", "", "NDJSON file external producers append AI signals to (empty disables the signal bridge)")
		enableReconcile = flag.Bool("enable-reconcile", true, "run the chain/journal reconciliation loop")
		sweepMarkers    = flag.Duration("sweep-markers-older-than", 0, "operator maintenance mode: remove intent idempotency markers older than this duration, then exit (0 = disabled)")
	)
	flag.Parse()

	logx.Init(*debug)
	metrics.Init()

	if *sweepMarkers > 0 {
		markerDir := filepath.Join(*runtimeDir, "intent_markers")
		removed, err := runner.SweepIntentMarkers(markerDir, *sweepMarkers)
		if err != nil {
			logx.Errorf("sweep markers: %v", err)
			return 1
		}
		logx.Event("markers_swept", map[string]any{"dir": markerDir, "removed": removed, "older_than": sweepMarkers.String()})
		return 0
	}

	if *walletAddress == "" && !*dryRun {
		logx.Errorf("live mode requires --wallet-address or PERPS_WALLET_ADDRESS")
		return 1
	}

	lockPath := filepath.Join(*runtimeDir, "perpsd.lock")
	lock, err, fellBack := runner.AcquireInstanceLock(lockPath)
	if err != nil {
		logx.Errorf("could not acquire instance lock: %v", err)
		return 1
	}
	defer lock.Release()
	if fellBack {
		logx.Event("lock_path_fallback", map[string]any{"configured": lockPath, "used": lock.Path})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	stdsignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logx.Event("signal_received", map[string]any{"signal": sig.String()})
		cancel()
	}()

	j, err := journal.Open(filepath.Join(*runtimeDir, "journal.db"), "")
	if err != nil {
		logx.Errorf("open journal: %v", err)
		return 1
	}
	defer j.Close()

	live, err := livecontrol.NewState(livecontrol.DefaultConfig(filepath.Join(*runtimeDir, "live_control.json")))
	if err != nil {
		logx.Errorf("open live-control state: %v", err)
		return 1
	}

	if cfg.IDLPath != "" && cfg.ExpectedIDLHash != "" {
		if err := integrity.VerifyIDL(cfg.IDLPath, cfg.ExpectedIDLHash, false); err != nil {
			logx.Errorf("idl integrity check failed: %v", err)
			return 1
		}
	}

	var submitter execution.Submitter
	var builder execution.Builder = txbuilder.UnimplementedBuilder{}
	var sign execution.Signer

	if *dryRun {
		submitter = chainclient.Submitter{Client: chainclient.NewFakeClient()}
		sign = noopSigner{}
	} else {
		client := chainclient.NewRPCClient(*rpcURL)
		submitter = chainclient.Submitter{Client: client}
		key, err := signer.Load(signer.FromEnv(*walletAddress))
		if err != nil {
			logx.Errorf("load signer: %v", err)
			return 1
		}
		sign = signer.New(key)
	}

	risk := execution.RiskConfig{KillSwitch: cfg.KillSwitch, MaxPositionUSD: cfg.MaxPositionUSD, MaxLeverage: cfg.MaxLeverage}
	execSvc := execution.NewService(j, live, builder, sign, submitter, !*dryRun, *walletAddress, *rpcURL, risk, cfg.SubmitTimeout)

	posMgr := position.NewManager(position.DefaultConfig())
	costGateCfg := costgate.DefaultConfig()
	tuner := aisignal.NewAutoTuner(aisignal.DefaultTunerConfig())
	priceFeed := pricefeed.NewHermesFeed(pricefeed.DefaultConfig())

	notifier := buildNotifier()

	var reconcileLoop *reconcile.Loop
	if *enableReconcile && *walletAddress != "" {
		reconcileClient := chainclient.ChainClient(chainclient.NewRPCClient(*rpcURL))
		reconcileLoop = reconcile.NewLoop(reconcile.DefaultConfig(*walletAddress), reconcileClient, j, notifier)
	}

	var signalSource runner.SignalSource
	if *signalQueuePath != "" {
		signalSource = runner.NewFileSignalSource(*signalQueuePath)
	}

	rc := runner.Config{
		QueueCapacity:     cfg.QueueCapacity,
		HeartbeatEvery:    cfg.HeartbeatEvery,
		PositionEvery:     cfg.PositionEvery,
		BorrowUpdateEvery: time.Minute,
		SignalPollEvery:   30 * time.Second,
		SignalCooldown:    15 * time.Minute,
		BorrowUtilization: 0.65,
		RuntimeLimit:      time.Duration(*runtimeSeconds) * time.Second,
		IntentQueuePath:   *intentQueuePath,
		IntentCursorPath:  filepath.Join(*runtimeDir, "intent_queue.cursor"),
		IntentMarkerDir:   filepath.Join(*runtimeDir, "intent_markers"),
	}

	r := runner.New(rc, runner.Deps{
		Journal:      j,
		Live:         live,
		Exec:         execSvc,
		Positions:    posMgr,
		PositionCfg:  position.DefaultConfig(),
		CostGate:     costGateCfg,
		Tuner:        tuner,
		PriceFeed:    priceFeed,
		Reconcile:    reconcileLoop,
		Notifier:     notifier,
		SignalSource: signalSource,
	})

	logx.Event("startup", map[string]any{
		"dry_run":        *dryRun,
		"wallet_address": *walletAddress,
		"rpc_url":        *rpcURL,
		"runtime_dir":    *runtimeDir,
		"lock_path":      lock.Path,
	})

	if err := r.Run(ctx); err != nil {
		logx.Errorf("runner exited with error: %v", err)
		return 1
	}
	return 0
}

func buildNotifier() alerts.Notifier {
	token := os.Getenv("PERPS_TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("PERPS_TELEGRAM_CHAT_ID")
	if token != "" && chatID != "" {
		return alerts.NewTelegramNotifier(token, chatID)
	}
	return alerts.NoopNotifier{}
}

// noopSigner satisfies execution.Signer for dry-run deployments, where
// Execute's simulate-only path never calls Sign for real.
type noopSigner struct{}

func (noopSigner) Sign(unsignedTx []byte) ([]byte, error) {
	return nil, fmt.Errorf("signing unavailable in dry-run mode")
}
