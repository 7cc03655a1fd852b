package instrument

import (
	"fmt"
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9._-]{0,15}$`)

// Instrument is the static trading metadata of one listed symbol.
//
// Prices are integer ticks and quantities integer lots; TickSize and
// LotSize are the smallest steps either may take.
type Instrument struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Name     string `json:"name" yaml:"name"`
	TickSize int64  `json:"tickSize" yaml:"tick_size"`
	LotSize  int64  `json:"lotSize" yaml:"lot_size"`
	Tradable bool   `json:"tradable" yaml:"-"`
}

// New builds a tradable instrument with a normalized symbol.
func New(symbol, name string, tickSize, lotSize int64) (Instrument, error) {
	in := Instrument{
		Symbol:   NormalizeSymbol(symbol),
		Name:     strings.TrimSpace(name),
		TickSize: tickSize,
		LotSize:  lotSize,
		Tradable: true,
	}
	if err := in.Validate(); err != nil {
		return Instrument{}, err
	}
	return in, nil
}

func NormalizeSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func (in Instrument) Validate() error {
	if !symbolPattern.MatchString(in.Symbol) {
		return fmt.Errorf("invalid symbol %q", in.Symbol)
	}
	if in.TickSize <= 0 {
		return fmt.Errorf("%s: tick size must be positive", in.Symbol)
	}
	if in.LotSize <= 0 {
		return fmt.Errorf("%s: lot size must be positive", in.Symbol)
	}
	return nil
}

// ValidatePrice checks a limit price is a positive multiple of the tick.
func (in Instrument) ValidatePrice(price int64) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if price%in.TickSize != 0 {
		return fmt.Errorf("price %d is not a multiple of tick size %d", price, in.TickSize)
	}
	return nil
}

// ValidateQuantity checks a quantity is a positive multiple of the lot.
func (in Instrument) ValidateQuantity(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if qty%in.LotSize != 0 {
		return fmt.Errorf("quantity %d is not a multiple of lot size %d", qty, in.LotSize)
	}
	return nil
}
