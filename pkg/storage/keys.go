package storage

import "fmt"

// Key schema:
//
//	ord:<orderID>                           → Order (latest snapshot)
//	open:<instrument>:<seq>:<orderID>       → empty; resting orders by time priority
//	trade:<instrument>:<tradeSeq>           → Trade
//	exec:<orderID>:<tradeSeq>               → Trade; both sides of each trade
//	mark:<instrument>                       → sequence high-water marks
//	inst:<instrument>                       → instrument.Record
//	key:<keyID>                             → auth.Key
//
// Sequence numbers are zero-padded to 20 digits so keys sort numerically.
// Symbols and order ids never contain ':'.
const (
	prefixOrder = "ord:"
	prefixOpen  = "open:"
	prefixTrade = "trade:"
	prefixExec  = "exec:"
	prefixMark  = "mark:"
	prefixInst  = "inst:"
	prefixKey   = "key:"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func openKey(instrument string, seq uint64, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixOpen, instrument, seq, orderID))
}

func openPrefix(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOpen, instrument))
}

func tradeKey(instrument string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, instrument, seq))
}

func tradePrefix(instrument string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, instrument))
}

func execKey(orderID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixExec, orderID, seq))
}

func execPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixExec, orderID))
}

func markKey(instrument string) []byte {
	return []byte(prefixMark + instrument)
}

func instrumentKey(symbol string) []byte {
	return []byte(prefixInst + symbol)
}

func apiKeyKey(keyID string) []byte {
	return []byte(prefixKey + keyID)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
