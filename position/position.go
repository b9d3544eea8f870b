// Package position implements tracked-position bookkeeping, the seven
// pure exit triggers, and TP/SL trigger-price math, ported from
// core/jupiter_perps/position_manager.py (spec.md §3.3, §4.6).
package position

import (
	"sync"
	"time"
)

// Config holds the tunable exit-trigger thresholds (spec.md §4.6.1 defaults).
type Config struct {
	StopLossPct        float64
	TakeProfitPct      float64
	TrailingStopPct    float64
	TrailingActivatePct float64
	MaxHoldHours       float64
	MaxBorrowPct       float64
	EmergencyStopPct   float64
	CloseFeeBps        float64
}

// DefaultConfig returns the defaults from position_manager.py.
func DefaultConfig() Config {
	return Config{
		StopLossPct:         5,
		TakeProfitPct:       10,
		TrailingStopPct:     8,
		TrailingActivatePct: 3,
		MaxHoldHours:        48,
		MaxBorrowPct:        2,
		EmergencyStopPct:    15,
		CloseFeeBps:         8,
	}
}

// Side mirrors intent.Side without importing the intent package, keeping
// position a leaf package the way the teacher's store/market packages are.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TrackedPosition is the in-memory record the position manager owns
// exclusively (spec.md §3.3, §3.5).
type TrackedPosition struct {
	PDA                string
	IdempotencyKey      string
	Market             string
	Side               Side
	SizeUSD            float64
	CollateralUSD      float64
	Leverage           float64
	EntryPrice         float64
	OpenedAt           time.Time
	PeakPrice          float64
	CurrentPrice       float64
	Source             string
	ConfidenceAtEntry  float64
	CumulativeBorrowUSD float64
}

// HoldHours is the time elapsed since OpenedAt, in hours.
func (p *TrackedPosition) HoldHours() float64 {
	return time.Since(p.OpenedAt).Hours()
}

func (p *TrackedPosition) signedMove() float64 {
	if p.Side == SideShort {
		return p.EntryPrice - p.CurrentPrice
	}
	return p.CurrentPrice - p.EntryPrice
}

// UnrealizedPnLPct is signed_price_move/entry * leverage * 100.
func (p *TrackedPosition) UnrealizedPnLPct() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return p.signedMove() / p.EntryPrice * p.Leverage * 100
}

// UnrealizedPnLUSD converts UnrealizedPnLPct to a dollar amount.
func (p *TrackedPosition) UnrealizedPnLUSD() float64 {
	return p.UnrealizedPnLPct() / 100 * p.CollateralUSD
}

// PeakPnLPct is the P&L at the peak price ever observed.
func (p *TrackedPosition) PeakPnLPct() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	var move float64
	if p.Side == SideShort {
		move = p.EntryPrice - p.PeakPrice
	} else {
		move = p.PeakPrice - p.EntryPrice
	}
	return move / p.EntryPrice * p.Leverage * 100
}

// DrawdownFromPeakPct is max(0, peak_pnl_pct - unrealized_pnl_pct).
func (p *TrackedPosition) DrawdownFromPeakPct() float64 {
	d := p.PeakPnLPct() - p.UnrealizedPnLPct()
	if d < 0 {
		return 0
	}
	return d
}

// Urgency classifies an ExitDecision's priority.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyUrgent Urgency = "urgent"
)

// Trigger names the seven exit triggers in spec.md §4.6.1.
type Trigger string

const (
	TriggerEmergencyStop  Trigger = "emergency_stop"
	TriggerStopLoss       Trigger = "stop_loss"
	TriggerTakeProfit     Trigger = "take_profit"
	TriggerTrailingStop   Trigger = "trailing_stop"
	TriggerTimeDecay      Trigger = "time_decay"
	TriggerFundingBleed   Trigger = "funding_bleed"
	TriggerSignalReversal Trigger = "signal_reversal"
)

// ExitDecision is the outcome of a fired trigger.
type ExitDecision struct {
	PDA     string
	Trigger Trigger
	Urgency Urgency
	PnLPct  float64
}

// IsUrgent reports whether this decision demands immediate (market,
// non-TP/SL) execution.
func (d ExitDecision) IsUrgent() bool { return d.Urgency == UrgencyUrgent }

func checkEmergencyStop(p *TrackedPosition, cfg Config) *ExitDecision {
	pnl := p.UnrealizedPnLPct()
	if pnl <= -cfg.EmergencyStopPct {
		return &ExitDecision{PDA: p.PDA, Trigger: TriggerEmergencyStop, Urgency: UrgencyUrgent, PnLPct: pnl}
	}
	return nil
}

func checkStopLoss(p *TrackedPosition, cfg Config) *ExitDecision {
	pnl := p.UnrealizedPnLPct()
	if pnl <= -cfg.StopLossPct {
		return &ExitDecision{PDA: p.PDA, Trigger: TriggerStopLoss, Urgency: UrgencyUrgent, PnLPct: pnl}
	}
	return nil
}

func checkTakeProfit(p *TrackedPosition, cfg Config) *ExitDecision {
	pnl := p.UnrealizedPnLPct()
	if pnl >= cfg.TakeProfitPct {
		return &ExitDecision{PDA: p.PDA, Trigger: TriggerTakeProfit, Urgency: UrgencyNormal, PnLPct: pnl}
	}
	return nil
}

func checkTrailingStop(p *TrackedPosition, cfg Config) *ExitDecision {
	if p.PeakPnLPct() >= cfg.TrailingActivatePct && p.DrawdownFromPeakPct() >= cfg.TrailingStopPct {
		return &ExitDecision{PDA: p.PDA, Trigger: TriggerTrailingStop, Urgency: UrgencyNormal, PnLPct: p.UnrealizedPnLPct()}
	}
	return nil
}

func checkTimeDecay(p *TrackedPosition, cfg Config) *ExitDecision {
	if p.HoldHours() >= cfg.MaxHoldHours {
		return &ExitDecision{PDA: p.PDA, Trigger: TriggerTimeDecay, Urgency: UrgencyNormal, PnLPct: p.UnrealizedPnLPct()}
	}
	return nil
}

func checkFundingBleed(p *TrackedPosition, cfg Config) *ExitDecision {
	if p.CumulativeBorrowUSD >= cfg.MaxBorrowPct/100*p.SizeUSD {
		return &ExitDecision{PDA: p.PDA, Trigger: TriggerFundingBleed, Urgency: UrgencyNormal, PnLPct: p.UnrealizedPnLPct()}
	}
	return nil
}

// exitTriggers runs in severity order; the first match wins (spec.md §4.6.1).
var exitTriggers = []func(*TrackedPosition, Config) *ExitDecision{
	checkEmergencyStop,
	checkStopLoss,
	checkTakeProfit,
	checkTrailingStop,
	checkTimeDecay,
	checkFundingBleed,
}

// Manager owns all TrackedPositions and the pending-exits set
// exclusively (spec.md §3.5, §9).
type Manager struct {
	cfg Config

	mu               sync.Mutex
	positions        map[string]*TrackedPosition // keyed by PDA
	pendingExits     map[string]bool             // keyed by PDA
	protected        map[string]bool             // on-chain TP/SL already created
	tradesOpenedToday int
	realizedPnLToday float64
	dayOrdinal       int64
}

// NewManager constructs an empty position manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:          cfg,
		positions:    make(map[string]*TrackedPosition),
		pendingExits: make(map[string]bool),
		protected:    make(map[string]bool),
		dayOrdinal:   dayOrdinal(time.Now()),
	}
}

func dayOrdinal(t time.Time) int64 {
	u := t.UTC()
	return int64(u.Year())*1000 + int64(u.YearDay())
}

func (m *Manager) checkDailyResetLocked() {
	today := dayOrdinal(time.Now())
	if today != m.dayOrdinal {
		m.dayOrdinal = today
		m.tradesOpenedToday = 0
		m.realizedPnLToday = 0
	}
}

// RegisterOpen registers a newly opened (or awaiting-entry, entryPrice==0)
// position and increments the daily trade counter.
func (m *Manager) RegisterOpen(p *TrackedPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyResetLocked()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	m.positions[p.PDA] = p
	m.tradesOpenedToday++
}

// UpdatePrice is the core tick handler (spec.md §4.6, §4.6.2). For every
// open position on market, it fills entry/peak price atomically on the
// first positive tick (skipping exit evaluation that tick), otherwise
// updates peak price and runs the exit triggers in order. Positions
// already pending exit are skipped entirely.
func (m *Manager) UpdatePrice(market string, price float64) []ExitDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyResetLocked()

	var decisions []ExitDecision
	for pda, p := range m.positions {
		if p.Market != market {
			continue
		}
		if m.pendingExits[pda] {
			continue
		}

		p.CurrentPrice = price

		if p.EntryPrice == 0 {
			if price > 0 {
				p.EntryPrice = price
				p.PeakPrice = price
			}
			continue
		}

		if p.Side == SideLong {
			if price > p.PeakPrice {
				p.PeakPrice = price
			}
		} else {
			if p.PeakPrice == 0 || price < p.PeakPrice {
				p.PeakPrice = price
			}
		}

		for _, trigger := range exitTriggers {
			if decision := trigger(p, m.cfg); decision != nil {
				m.pendingExits[pda] = true
				decisions = append(decisions, *decision)
				break
			}
		}
	}
	return decisions
}

// CheckSignalReversal is exit trigger 7, evaluated separately because it
// depends on an external signal rather than a price tick.
func (m *Manager) CheckSignalReversal(pda string, oppositeDirectionConfidence float64) *ExitDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingExits[pda] {
		return nil
	}
	p, ok := m.positions[pda]
	if !ok || oppositeDirectionConfidence < 0.50 {
		return nil
	}
	m.pendingExits[pda] = true
	return &ExitDecision{PDA: pda, Trigger: TriggerSignalReversal, Urgency: UrgencyNormal, PnLPct: p.UnrealizedPnLPct()}
}

// UpdateBorrowFees recomputes cumulative borrow cost for every open
// position using the fee oracle's borrow-rate function (called every 60s
// by the position monitor loop, spec.md §4.8 step 3).
func (m *Manager) UpdateBorrowFees(hourlyRate func(utilization float64) float64, utilization float64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate := hourlyRate(utilization)
	hours := elapsed.Hours()
	for _, p := range m.positions {
		p.CumulativeBorrowUSD += p.SizeUSD * rate * hours
	}
}

// MarkClosed removes a position and folds its realized P&L into the daily
// total, returning the final tracked state for accounting.
func (m *Manager) MarkClosed(pda string) *TrackedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyResetLocked()

	p, ok := m.positions[pda]
	if !ok {
		return nil
	}
	m.realizedPnLToday += p.UnrealizedPnLUSD()
	delete(m.positions, pda)
	delete(m.pendingExits, pda)
	delete(m.protected, pda)
	return p
}

// CancelPendingExit removes pda from the pending-exits set (e.g. the close
// intent it triggered was cancelled or itself failed and a retry is due).
func (m *Manager) CancelPendingExit(pda string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingExits, pda)
}

// MarkProtected records that pda already has on-chain TP/SL coverage.
func (m *Manager) MarkProtected(pda string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[pda] = true
}

// IsProtected reports whether pda already has on-chain TP/SL coverage.
func (m *Manager) IsProtected(pda string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protected[pda]
}

// GetOpenPositions returns a snapshot slice of all tracked positions.
func (m *Manager) GetOpenPositions() []*TrackedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TrackedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// GetPositionCount returns the number of currently open positions.
func (m *Manager) GetPositionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// GetTotalExposureUSD sums size_usd across all open positions.
func (m *Manager) GetTotalExposureUSD() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.positions {
		total += p.SizeUSD
	}
	return total
}

// GetAssetExposureUSD sums size_usd for positions on a given market.
func (m *Manager) GetAssetExposureUSD(market string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, p := range m.positions {
		if p.Market == market {
			total += p.SizeUSD
		}
	}
	return total
}

// HasPosition reports whether an open position exists for (market, side).
func (m *Manager) HasPosition(market string, side Side) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Market == market && p.Side == side {
			return true
		}
	}
	return false
}

// GetDailyPnLUSD returns realized P&L accrued today.
func (m *Manager) GetDailyPnLUSD() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyResetLocked()
	return m.realizedPnLToday
}

// GetTradesOpenedToday returns the count of positions opened today.
func (m *Manager) GetTradesOpenedToday() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyResetLocked()
	return m.tradesOpenedToday
}

// TPSLTriggerPrices is the pair of trigger-price rows produced for an
// open position (spec.md §4.6.3).
type TPSLTriggerPrices struct {
	SLPrice      float64
	SLTriggerAbove bool
	TPPrice      float64
	TPTriggerAbove bool
}

// ComputeTPSLTriggerPrices computes the SL/TP trigger prices for p using
// cfg's thresholds, applying close-fee compensation outward on the TP
// side only.
func ComputeTPSLTriggerPrices(p *TrackedPosition, cfg Config) TPSLTriggerPrices {
	slDelta := cfg.StopLossPct * p.EntryPrice / (p.Leverage * 100)
	tpDelta := cfg.TakeProfitPct * p.EntryPrice / (p.Leverage * 100)
	feeDelta := p.EntryPrice * cfg.CloseFeeBps / 10_000

	if p.Side == SideLong {
		return TPSLTriggerPrices{
			SLPrice:        p.EntryPrice - slDelta,
			SLTriggerAbove: false,
			TPPrice:        p.EntryPrice + tpDelta + feeDelta,
			TPTriggerAbove: true,
		}
	}
	return TPSLTriggerPrices{
		SLPrice:        p.EntryPrice + slDelta,
		SLTriggerAbove: true,
		TPPrice:        p.EntryPrice - tpDelta - feeDelta,
		TPTriggerAbove: false,
	}
}
