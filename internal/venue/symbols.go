package venue

import (
	"regexp"
	"strings"
)

// Symbols travel through the engine as BASE/QUOTE:SETTLE (e.g.
// BTC/USDT:USDT). The venue's algo-order endpoints use the dashed
// instrument form (BTC-USDT-SWAP); this file converts between them.

var deliverySuffix = regexp.MustCompile(`-\d{6}$`)

// ToInstID converts BTC/USDT:USDT to BTC-USDT-SWAP.
func ToInstID(symbol string) string {
	base, quote, ok := splitSymbol(symbol)
	if !ok {
		return symbol
	}
	return base + "-" + quote + "-SWAP"
}

// FromInstID converts BTC-USDT-SWAP to BTC/USDT:USDT.
func FromInstID(instID string) string {
	parts := strings.Split(instID, "-")
	if len(parts) < 2 {
		return instID
	}
	return parts[0] + "/" + parts[1] + ":" + parts[1]
}

// IsDelivery reports whether the instrument is a dated delivery contract
// (date suffix instead of SWAP). Delivery contracts are never traded.
func IsDelivery(symbol string) bool {
	if deliverySuffix.MatchString(symbol) {
		return true
	}
	inst := ToInstID(symbol)
	return deliverySuffix.MatchString(inst)
}

// Base returns the base currency of a unified symbol.
func Base(symbol string) string {
	base, _, _ := splitSymbol(symbol)
	return base
}

func splitSymbol(symbol string) (base, quote string, ok bool) {
	slash := strings.Index(symbol, "/")
	if slash < 0 {
		return "", "", false
	}
	base = symbol[:slash]
	rest := symbol[slash+1:]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}
	return base, rest, true
}
