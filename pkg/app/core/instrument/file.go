package instrument

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileEntry struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	TickSize int64  `yaml:"tick_size"`
	LotSize  int64  `yaml:"lot_size"`
	Tradable *bool  `yaml:"tradable"`
}

type catalogFile struct {
	Instruments []fileEntry `yaml:"instruments"`
}

// LoadFile reads a YAML catalog:
//
//	instruments:
//	  - symbol: ACME
//	    name: Acme Corp
//	    tick_size: 1
//	    lot_size: 1
//	    tradable: true   # optional, default true
func LoadFile(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]Instrument, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instrument catalog: %w", err)
	}
	out := make([]Instrument, 0, len(f.Instruments))
	seen := make(map[string]struct{}, len(f.Instruments))
	for i, e := range f.Instruments {
		in, err := New(e.Symbol, e.Name, e.TickSize, e.LotSize)
		if err != nil {
			return nil, fmt.Errorf("instrument #%d: %w", i, err)
		}
		if _, dup := seen[in.Symbol]; dup {
			return nil, fmt.Errorf("instrument #%d: duplicate symbol %s", i, in.Symbol)
		}
		seen[in.Symbol] = struct{}{}
		if e.Tradable != nil {
			in.Tradable = *e.Tradable
		}
		out = append(out, in)
	}
	return out, nil
}

// Load registers every instrument from a catalog file.
func (r *Registry) Load(path string) error {
	list, err := LoadFile(path)
	if err != nil {
		return err
	}
	for _, in := range list {
		if err := r.Register(in); err != nil {
			return err
		}
	}
	return nil
}
