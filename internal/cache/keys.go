package cache

import "fmt"

// QuarantineValue is the sentinel stored under a quarantine key
const QuarantineValue = "orphan_order_detected"

// QuarantineKey builds the key that blocks a strategy/symbol pair.
// The "*" strategy blocks every strategy on the symbol.
func QuarantineKey(strategyID, symbol string) string {
	return fmt.Sprintf("quarantine:%s:%s", strategyID, symbol)
}

// OrphanExposureKey builds the key holding a strategy/symbol orphan notional
func OrphanExposureKey(strategyID, symbol string) string {
	return fmt.Sprintf("orphan_exposure:%s:%s", strategyID, symbol)
}
