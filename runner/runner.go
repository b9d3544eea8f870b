// Package runner is the orchestrator tying every other package into one
// running process, ported from core/jupiter_perps/runner.py's run_runner
// (spec.md §2, §4.8, §5). The Python original is one asyncio event loop
// with N cooperative tasks sharing a stop_event; here each task is its own
// goroutine sharing a context.Context, with the intent channel standing in
// for asyncio.Queue and a single goroutine (runIntentConsumer) as the sole
// mutator of position-manager state during execution callbacks.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpsd/alerts"
	"perpsd/costgate"
	"perpsd/execution"
	"perpsd/feeoracle"
	"perpsd/intent"
	"perpsd/journal"
	"perpsd/livecontrol"
	"perpsd/logx"
	"perpsd/metrics"
	"perpsd/position"
	"perpsd/pricefeed"
	"perpsd/reconcile"
	"perpsd/signal"
)

// Config holds the runner's own tunables, distinct from the lower-level
// packages' configs it wires together.
type Config struct {
	QueueCapacity      int
	HeartbeatEvery     time.Duration
	PositionEvery      time.Duration
	BorrowUpdateEvery  time.Duration
	SignalPollEvery    time.Duration
	SignalCooldown     time.Duration
	RuntimeLimit       time.Duration // 0 = unbounded, matches --runtime-seconds
	BorrowUtilization  float64
	IntentQueuePath    string
	IntentCursorPath   string
	IntentMarkerDir    string
}

// Deps bundles every collaborator the runner drives. Built by cmd/perpsd's
// main() and handed to New whole, so the runner package itself never reads
// the environment or opens a file directly (other than the intent queue
// files Config names).
type Deps struct {
	Journal      *journal.Journal
	Live         *livecontrol.State // nil in dry-run-only deployments
	Exec         *execution.Service
	Positions    *position.Manager
	PositionCfg  position.Config
	CostGate     costgate.Config
	Tuner        *signal.AutoTuner
	PriceFeed    pricefeed.Feed
	Reconcile    *reconcile.Loop
	Notifier     alerts.Notifier
	SignalSource SignalSource // nil disables the signal bridge task
}

// Runner is the assembled, runnable process.
type Runner struct {
	cfg  Config
	deps Deps

	queue    chan intent.ExecutionIntent
	cooldown *signal.CooldownTracker

	sourceMu      sync.Mutex
	pendingSource map[string]pendingSourceEntry // idempotency key -> signal attribution, for post-execution feedback
}

// pendingSourceEntry carries the signal attribution an OpenPosition intent
// was queued with, so a later ClosePosition can report the trade's real
// entry confidence back to the auto-tuner.
type pendingSourceEntry struct {
	source     string
	confidence float64
}

// New assembles a Runner. It performs no I/O.
func New(cfg Config, deps Deps) *Runner {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if deps.Notifier == nil {
		deps.Notifier = alerts.NoopNotifier{}
	}
	return &Runner{
		cfg:           cfg,
		deps:          deps,
		queue:         make(chan intent.ExecutionIntent, cfg.QueueCapacity),
		cooldown:      signal.NewCooldownTracker(cfg.SignalCooldown),
		pendingSource: make(map[string]pendingSourceEntry),
	}
}

type taskCrash struct {
	name string
	err  error
}

// Run starts every task goroutine and blocks until ctx is cancelled, the
// runtime limit elapses, or a task crashes (spec.md §5 TaskCrash policy:
// the first crash trips a shared cancellation, mirroring _on_task_done's
// stop_event.set()). It returns the first task's error, if any.
func (r *Runner) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if r.deps.Reconcile != nil {
		if protected, err := r.deps.Reconcile.DiscoverExistingTPSL(ctx); err == nil {
			recovered := 0
			for _, p := range r.deps.Positions.GetOpenPositions() {
				if protected[p.PDA] {
					r.deps.Positions.MarkProtected(p.PDA)
					recovered++
				}
			}
			if recovered > 0 {
				logx.Event("tpsl_startup_recovery", map[string]any{"recovered": recovered})
			}
		}
	}

	var wg sync.WaitGroup
	crashes := make(chan taskCrash, 8)

	spawn := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.reportCrash(crashes, cancel, name, fmt.Errorf("panic: %v", rec))
				}
			}()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.reportCrash(crashes, cancel, name, err)
			}
		}()
	}

	spawn("external_intent_loop", r.runExternalIntentLoop)
	spawn("micro_loop", r.runMicroLoop)
	spawn("execution_consumer", r.runIntentConsumer)
	if r.deps.Reconcile != nil {
		spawn("reconciliation_loop", func(ctx context.Context) error {
			r.deps.Reconcile.RunLoop(ctx)
			return nil
		})
	}
	spawn("heartbeat_loop", r.runHeartbeatLoop)
	spawn("position_monitor", r.runPositionMonitorLoop)
	if r.deps.SignalSource != nil {
		spawn("signal_bridge", r.runSignalLoop)
	}
	if r.cfg.RuntimeLimit > 0 {
		spawn("runtime_guard", func(ctx context.Context) error {
			select {
			case <-time.After(r.cfg.RuntimeLimit):
				cancel()
			case <-ctx.Done():
			}
			return nil
		})
	}

	<-ctx.Done()
	wg.Wait()

	var firstErr error
	select {
	case tc := <-crashes:
		firstErr = fmt.Errorf("task %s failed: %w", tc.name, tc.err)
	default:
	}

	reason := "signal_or_runtime_limit"
	if firstErr != nil {
		reason = "task_crash"
	}
	if err := r.deps.Exec.Shutdown(); err != nil {
		logx.Event("shutdown_error", map[string]any{"error": err.Error()})
	}
	logx.Event("shutdown", map[string]any{"reason": reason})
	return firstErr
}

func (r *Runner) reportCrash(crashes chan<- taskCrash, cancel context.CancelFunc, name string, err error) {
	metrics.RecordTaskCrash(name)
	logx.Event("task_crash", map[string]any{"task": name, "error": err.Error()})
	select {
	case crashes <- taskCrash{name: name, err: err}:
	default:
	}
	cancel()
}

// runMicroLoop enqueues a Noop every 2s purely for liveness (spec.md §4.8
// step 1, ported from _micro_loop).
func (r *Runner) runMicroLoop(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.enqueue(intent.NewNoop(), "micro")
		}
	}
}

// enqueue performs the non-blocking send every producer goroutine uses:
// a full queue drops the intent and emits queue_backpressure rather than
// blocking the producer (spec.md §4.1).
func (r *Runner) enqueue(in intent.ExecutionIntent, source string) {
	select {
	case r.queue <- in:
		logx.Event("intent_received", map[string]any{
			"source":      source,
			"action":      string(in.IntentKind()),
			"idempotency_key": in.Key(),
			"queue_depth": len(r.queue),
		})
	default:
		metrics.QueueBackpressureTotal.Inc()
		logx.Event("queue_backpressure", map[string]any{"source": source, "dropped_action": string(in.IntentKind()), "queue_depth": len(r.queue)})
	}
}

// runExternalIntentLoop polls the external file queue and forwards newly
// appended, not-yet-seen intents onto the bus (spec.md §6.2/§6.3, ported
// from _external_intent_loop).
func (r *Runner) runExternalIntentLoop(ctx context.Context) error {
	if r.cfg.IntentQueuePath == "" {
		<-ctx.Done()
		return nil
	}
	cursor := newCursorFile(r.cfg.IntentCursorPath)
	markers := newMarkerDir(r.cfg.IntentMarkerDir)
	offset := cursor.load()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		intents, next, rejections := readExternalIntents(r.cfg.IntentQueuePath, offset)
		for _, reason := range rejections {
			logx.Event("external_intent_rejected", map[string]any{"reason": reason, "queue_path": r.cfg.IntentQueuePath})
		}
		for _, in := range intents {
			if markers.seen(in.Key()) {
				continue
			}
			r.enqueue(in, "external_queue")
			_ = markers.mark(in.Key())
		}
		if next != offset {
			if err := cursor.save(next); err == nil {
				offset = next
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runIntentConsumer is the sole goroutine that calls Execute and mutates
// position-manager state from its results (spec.md §5, ported from
// _intent_consumer).
func (r *Runner) runIntentConsumer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-r.queue:
			start := time.Now()
			result, err := r.deps.Exec.Execute(ctx, in)
			if err != nil {
				logx.Event("intent_processed", map[string]any{
					"intent_type": string(in.IntentKind()),
					"idempotency_key": in.Key(),
					"success":     false,
					"error":       err.Error(),
				})
				continue
			}

			outcome := outcomeOf(result)
			metrics.RecordIntentProcessed(string(result.IntentType), outcome, time.Since(start).Seconds())
			metrics.RecordJournalWrite("local", outcome)

			logx.Event("intent_processed", map[string]any{
				"intent_type":      string(result.IntentType),
				"idempotency_key":  result.IdempotencyKey,
				"success":          result.Success,
				"skipped_duplicate": result.SkippedDuplicate,
				"dry_run":          result.DryRun,
				"tx_signature":     result.TxSignature,
				"error":            result.Error,
			})

			if result.Success {
				r.handlePostExecution(in, result)
			}
		}
	}
}

func outcomeOf(r execution.Result) string {
	switch {
	case r.SkippedDuplicate:
		return "skipped_duplicate"
	case !r.Success:
		return "failed"
	case r.DryRun:
		return "simulated"
	default:
		return "confirmed"
	}
}

// handlePostExecution folds a successful execution back into the position
// manager and auto-tuner, ported from _intent_consumer's feedback block.
func (r *Runner) handlePostExecution(in intent.ExecutionIntent, result execution.Result) {
	switch v := in.(type) {
	case *intent.OpenPosition:
		pending := r.takePendingSource(v.Key())
		r.deps.Positions.RegisterOpen(&position.TrackedPosition{
			PDA:           v.Key(), // placeholder until a real on-chain PDA is confirmed; see position_monitor's own PDA==key check
			IdempotencyKey: v.Key(),
			Market:        v.Market,
			Side:          position.Side(v.Side),
			SizeUSD:       v.SizeUSD,
			CollateralUSD: v.CollateralUSD,
			Leverage:      v.Leverage,
			Source:        pending.source,
			ConfidenceAtEntry: pending.confidence,
		})
	case *intent.ClosePosition:
		closed := r.findAndClosePosition(v.Key(), v.PositionPDA)
		if closed == nil {
			return
		}
		outcome := signal.TradeOutcome{
			Source:            closed.Source,
			Asset:             strings.Split(closed.Market, "-")[0],
			Direction:         string(closed.Side),
			ConfidenceAtEntry: closed.ConfidenceAtEntry,
			EntryPrice:        closed.EntryPrice,
			ExitPrice:         closed.CurrentPrice,
			PnLUSD:            closed.UnrealizedPnLUSD(),
			PnLPct:            closed.UnrealizedPnLPct(),
			HoldHours:         closed.HoldHours(),
			FeesUSD:           closed.CumulativeBorrowUSD,
			ExitTrigger:       "close",
			Regime:            "ranging",
			Timestamp:         time.Now(),
		}
		r.deps.Tuner.RecordOutcome(outcome)
		if r.deps.Live != nil {
			_ = r.deps.Live.RecordRealizedPnL(outcome.PnLUSD)
		}
		metrics.SetDailyRealizedPnLUSD(r.deps.Positions.GetDailyPnLUSD())
	}
}

// findAndClosePosition mirrors _find_and_close_position: match the tracked
// position by PDA first, then fall back to unpicking the close intent's
// "exit-{orig_key}-{uuid}" key format.
func (r *Runner) findAndClosePosition(closeKey, positionPDA string) *position.TrackedPosition {
	for _, p := range r.deps.Positions.GetOpenPositions() {
		if p.PDA == positionPDA {
			return r.deps.Positions.MarkClosed(p.PDA)
		}
	}
	if strings.HasPrefix(closeKey, "exit-") {
		parts := strings.Split(closeKey, "-")
		for end := len(parts) - 1; end > 1; end-- {
			candidate := strings.Join(parts[1:end], "-")
			if closed := r.deps.Positions.MarkClosed(candidate); closed != nil {
				return closed
			}
		}
	}
	return nil
}

func (r *Runner) setPendingSource(key, source string, confidence float64) {
	r.sourceMu.Lock()
	r.pendingSource[key] = pendingSourceEntry{source: source, confidence: confidence}
	r.sourceMu.Unlock()
}

func (r *Runner) takePendingSource(key string) pendingSourceEntry {
	r.sourceMu.Lock()
	defer r.sourceMu.Unlock()
	entry, ok := r.pendingSource[key]
	if !ok {
		return pendingSourceEntry{source: "unknown"}
	}
	delete(r.pendingSource, key)
	return entry
}

// runHeartbeatLoop emits the periodic liveness/summary event (spec.md
// §6.4, ported from _heartbeat_loop). USD figures are rounded through
// shopspring/decimal rather than float formatting so the structured log
// never prints a binary-float artifact like 1999.9999999999998.
func (r *Runner) runHeartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			openCount := r.deps.Positions.GetPositionCount()
			exposure := roundUSD(r.deps.Positions.GetTotalExposureUSD())
			dailyPnL := roundUSD(r.deps.Positions.GetDailyPnLUSD())

			metrics.SetQueueDepth(len(r.queue))
			metrics.SetPositionsOpenCount(openCount)
			metrics.SetDailyRealizedPnLUSD(dailyPnL)
			if r.deps.Live != nil {
				metrics.SetLiveControlArmed(r.deps.Live.Snapshot().Stage == livecontrol.StageArmed)
			}

			logx.Event("heartbeat", map[string]any{
				"queue_depth":       len(r.queue),
				"open_positions":    openCount,
				"total_exposure_usd": exposure,
				"daily_pnl_usd":     dailyPnL,
			})
		}
	}
}

func roundUSD(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// runPositionMonitorLoop fetches prices, runs exit triggers, and creates
// on-chain TP/SL coverage for newly-entered positions (spec.md §4.6, §4.8
// step 3, ported from _position_monitor_loop).
func (r *Runner) runPositionMonitorLoop(ctx context.Context) error {
	lastBorrowUpdate := time.Now()
	ticker := time.NewTicker(r.cfg.PositionEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if r.deps.Positions.GetPositionCount() == 0 {
			continue
		}

		prices := r.fetchMarketPrices(ctx)
		for market, price := range prices {
			for _, dec := range r.deps.Positions.UpdatePrice(market, price) {
				metrics.RecordExitTrigger(string(dec.Trigger))
				closeIntent := signal.ExitDecisionToIntent(dec.PDA)
				select {
				case r.queue <- closeIntent:
					logx.Event("exit_intent_queued", map[string]any{"trigger": string(dec.Trigger), "market": market, "urgency": string(dec.Urgency), "pnl_pct": dec.PnLPct})
				default:
					metrics.QueueBackpressureTotal.Inc()
					logx.Event("queue_backpressure", map[string]any{"source": "position_monitor", "trigger": string(dec.Trigger)})
					r.deps.Positions.CancelPendingExit(dec.PDA)
				}
			}
		}

		r.maintainTPSLCoverage()

		if time.Since(lastBorrowUpdate) >= r.cfg.BorrowUpdateEvery {
			elapsed := time.Since(lastBorrowUpdate)
			r.deps.Positions.UpdateBorrowFees(feeoracle.BorrowRateHourly, r.cfg.BorrowUtilization, elapsed)
			lastBorrowUpdate = time.Now()
		}
	}
}

func (r *Runner) fetchMarketPrices(ctx context.Context) map[string]float64 {
	markets := map[string]bool{}
	for _, p := range r.deps.Positions.GetOpenPositions() {
		markets[p.Market] = true
	}
	prices := make(map[string]float64, len(markets))
	for market := range markets {
		price, err := r.deps.PriceFeed.GetPrice(ctx, market)
		if err != nil || price <= 0 {
			continue
		}
		prices[market] = price
	}
	return prices
}

// maintainTPSLCoverage creates on-chain TP/SL trigger orders for every
// position that now has an entry price but no coverage yet, ported from
// the second half of _position_monitor_loop including its panic-close
// race-condition guard.
func (r *Runner) maintainTPSLCoverage() {
	for _, p := range r.deps.Positions.GetOpenPositions() {
		if r.deps.Positions.IsProtected(p.PDA) {
			continue
		}
		if p.EntryPrice <= 0 || p.PDA == "" || p.PDA == p.IdempotencyKey {
			continue // no confirmed on-chain PDA yet
		}

		triggers := position.ComputeTPSLTriggerPrices(p, r.deps.PositionCfg)

		alreadyPastSL := false
		if p.Side == position.SideLong && p.CurrentPrice <= triggers.SLPrice {
			alreadyPastSL = true
		} else if p.Side == position.SideShort && p.CurrentPrice >= triggers.SLPrice {
			alreadyPastSL = true
		}

		if alreadyPastSL {
			logx.Event("panic_close", map[string]any{
				"market":  p.Market,
				"side":    string(p.Side),
				"current_price": p.CurrentPrice,
				"sl_price": roundUSD(triggers.SLPrice),
				"reason":  "price already past stop loss at entry confirmation",
			})
			panicIntent := intent.NewClosePosition(p.PDA, 300)
			select {
			case r.queue <- panicIntent:
			default:
				metrics.QueueBackpressureTotal.Inc()
				logx.Event("queue_backpressure", map[string]any{"source": "panic_close"})
			}
			r.deps.Positions.MarkProtected(p.PDA)
			continue
		}

		r.queueTPSL(p.PDA, triggers.SLPrice, triggers.SLTriggerAbove, "stop_loss")
		r.queueTPSL(p.PDA, triggers.TPPrice, triggers.TPTriggerAbove, "take_profit")
		r.deps.Positions.MarkProtected(p.PDA)
	}
}

func (r *Runner) queueTPSL(positionPDA string, price float64, triggerAbove bool, kind string) {
	tpsl, err := intent.NewCreateTPSL(positionPDA, price, triggerAbove, true, 0)
	if err != nil {
		logx.Event("tpsl_build_error", map[string]any{"kind": kind, "error": err.Error()})
		return
	}
	select {
	case r.queue <- tpsl:
		logx.Event("tpsl_intent_queued", map[string]any{"kind": kind, "trigger_price": roundUSD(price)})
	default:
		metrics.QueueBackpressureTotal.Inc()
		logx.Event("queue_backpressure", map[string]any{"source": "tpsl_creation", "kind": kind})
	}
}

// runSignalLoop polls the merge/gate/dispatch pipeline downstream of the
// out-of-scope AI signal extraction producers (spec.md §1, §4.9, ported
// from ai_signal_bridge.py's _poll_once). It runs whenever a SignalSource
// is configured, in dry-run and live mode alike.
func (r *Runner) runSignalLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SignalPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		raw, err := r.deps.SignalSource.FetchSignals(ctx)
		if err != nil {
			logx.Event("signal_source_error", map[string]any{"error": err.Error()})
			continue
		}
		if len(raw) == 0 {
			continue
		}

		r.checkSignalReversals(raw)

		cfg := signal.DefaultMergeConfig()
		cfg.SourceWeights = r.deps.Tuner.GetWeights()
		merged := signal.Merge(raw, cfg)

		for _, m := range merged {
			if !r.cooldown.Allow(m.Asset, m.Direction) {
				continue
			}
			sizeMult := r.deps.Tuner.GetSizeMultiplier(m.Source)
			op, ok := signal.ToOpenPositionIntent(m, sizeMult)
			if !ok {
				continue
			}

			verdict := costgate.Evaluate(r.deps.CostGate, costgate.Candidate{
				Market:     op.Market,
				Side:       position.Side(op.Side),
				SizeUSD:    op.SizeUSD,
				Leverage:   op.Leverage,
				Confidence: m.Confidence,
			}, r.deps.Positions)
			if !verdict.Passed {
				logx.Event("cost_gate_rejected", map[string]any{"asset": m.Asset, "direction": m.Direction, "reason": verdict.Reason})
				continue
			}

			r.setPendingSource(op.Key(), m.Source, m.Confidence)
			r.enqueue(op, "ai_signal_bridge")
		}
	}
}

func (r *Runner) checkSignalReversals(raw []signal.AISignal) {
	for _, s := range raw {
		if s.Direction != "long" && s.Direction != "short" {
			continue
		}
		market := strings.ToUpper(s.Asset) + "-USD"
		opposite := position.SideShort
		if s.Direction == "short" {
			opposite = position.SideLong
		}
		for _, p := range r.deps.Positions.GetOpenPositions() {
			if p.Market != market || p.Side != opposite {
				continue
			}
			dec := r.deps.Positions.CheckSignalReversal(p.PDA, s.Confidence)
			if dec == nil {
				continue
			}
			metrics.RecordExitTrigger(string(dec.Trigger))
			closeIntent := signal.ExitDecisionToIntent(dec.PDA)
			r.enqueue(closeIntent, "signal_reversal")
		}
	}
}
