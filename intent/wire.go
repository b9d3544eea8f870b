package intent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawRecord is the loosely-typed shape accepted from the external file
// queue and manual/API producers, covering both canonical field names and
// legacy aliases (ported from normalize_external_intent_payload in
// execution_service.py and the ingress normalization described in
// spec.md §6.3).
type rawRecord map[string]any

// Normalize converts a loosely-typed external payload into a canonical
// ExecutionIntent, applying legacy field normalization:
//   - "type"/"action" alias for "intent_type"
//   - "collateral_usd" alias for "collateral_amount_usd"
//   - missing size_usd computed as collateral * leverage
//   - missing collateral_mint defaults to USDC
//   - market upper-cased, side lower-cased
func Normalize(data []byte) (ExecutionIntent, error) {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode intent record: %w", err)
	}

	kind := firstString(raw, "intent_type", "action", "type")
	if kind == "" {
		return nil, &InvalidIntentError{Reason: "missing intent_type"}
	}

	switch Kind(kind) {
	case KindOpenPosition:
		return normalizeOpenPosition(raw)
	case KindReducePosition:
		pda, _ := raw["position_pda"].(string)
		size := floatOf(raw["reduce_size_usd"])
		slippage := intOf(raw, "max_slippage_bps", 100)
		return NewReducePosition(pda, size, slippage)
	case KindClosePosition:
		pda, _ := raw["position_pda"].(string)
		slippage := intOf(raw, "max_slippage_bps", 100)
		return NewClosePosition(pda, slippage), nil
	case KindCreateTPSL:
		pda, _ := raw["position_pda"].(string)
		trigger := floatOf(raw["trigger_price"])
		above, _ := raw["trigger_above_threshold"].(bool)
		entire, _ := raw["entire_position"].(bool)
		size := floatOf(raw["size_usd"])
		return NewCreateTPSL(pda, trigger, above, entire, size)
	case KindCancelRequest:
		pda, _ := raw["request_pda"].(string)
		return NewCancelRequest(pda), nil
	case KindNoop:
		return NewNoop(), nil
	default:
		return nil, &InvalidIntentError{Reason: fmt.Sprintf("unsupported intent_type %q", kind)}
	}
}

func normalizeOpenPosition(raw rawRecord) (ExecutionIntent, error) {
	market := strings.ToUpper(firstString(raw, "market"))
	side := Side(strings.ToLower(firstString(raw, "side")))

	mint := CollateralMint(strings.ToUpper(firstString(raw, "collateral_mint")))
	if mint == "" {
		mint = CollateralUSDC
	}

	collateral := floatOf(raw["collateral_amount_usd"])
	if collateral == 0 {
		collateral = floatOf(raw["collateral_usd"])
	}

	leverage := floatOf(raw["leverage"])
	if leverage == 0 {
		leverage = 1.0
	}

	slippage := intOf(raw, "max_slippage_bps", 100)
	if v, ok := raw["slippage_bps"]; ok {
		slippage = int(floatOf(v))
	}

	return NewOpenPosition(market, side, mint, collateral, leverage, slippage)
}

func firstString(raw rawRecord, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func floatOf(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		var f float64
		fmt.Sscanf(t, "%f", &f)
		return f
	default:
		return 0
	}
}

func intOf(raw rawRecord, key string, def int) int {
	v, ok := raw[key]
	if !ok {
		return def
	}
	return int(floatOf(v))
}
