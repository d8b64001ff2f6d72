// Package instrument handles equity instrument keys: parsing, validation and
// normalization of (symbol, exchange) pairs.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported exchanges.
const (
	ExchangeNSE = "NSE"
	ExchangeBSE = "BSE"
)

var validExchanges = map[string]bool{
	ExchangeNSE: true,
	ExchangeBSE: true,
}

// symbolRegex matches exchange trading symbols such as INFY, M&M, BAJAJ-AUTO.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9&\-]{0,19}$`)

// keyRegex matches: {EXCHANGE}:{SYMBOL}
// Example: NSE:RELIANCE
var keyRegex = regexp.MustCompile(`^([A-Z]+):(.+)$`)

var (
	ErrInvalidKey      = errors.New("instrument: invalid key format")
	ErrInvalidSymbol   = errors.New("instrument: invalid symbol")
	ErrInvalidExchange = errors.New("instrument: unsupported exchange")
)

// Instrument identifies one tradable security on one exchange.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// String renders the instrument as {EXCHANGE}:{SYMBOL}.
func (i Instrument) String() string {
	return i.Exchange + ":" + i.Symbol
}

// New normalizes and validates a symbol/exchange pair. Symbols and
// exchanges are upper-cased and trimmed.
func New(symbol, exchange string) (Instrument, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	exch := strings.ToUpper(strings.TrimSpace(exchange))

	if !validExchanges[exch] {
		return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidExchange, exchange)
	}
	if !symbolRegex.MatchString(sym) {
		return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return Instrument{Symbol: sym, Exchange: exch}, nil
}

// Parse parses an instrument key.
// Format: {EXCHANGE}:{SYMBOL}
func Parse(key string) (Instrument, error) {
	matches := keyRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(key)))
	if matches == nil {
		return Instrument{}, fmt.Errorf("%w: %s (expected {EXCHANGE}:{SYMBOL})", ErrInvalidKey, key)
	}
	return New(matches[2], matches[1])
}

// Key builds the map key used by caches and indexes for a pair that has
// already been validated.
func Key(symbol, exchange string) string {
	return exchange + ":" + symbol
}

// BookKey is the lock key covering one user's holding and open lots in one
// instrument.
func BookKey(userID, symbol, exchange string) string {
	return "book|" + userID + "|" + Key(symbol, exchange)
}

// Exchanges returns the supported exchange codes.
func Exchanges() []string {
	return []string{ExchangeNSE, ExchangeBSE}
}
