package planner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timing holds every step delay a plan can use. Durations are written as Go
// duration strings in the YAML file, e.g. "9s" or "3m".
type Timing struct {
	// GeneratorRamp is how long a generator takes to reach rated voltage.
	GeneratorRamp time.Duration `yaml:"generatorRamp"`
	// CouplerClose is each coupler close when tying a generator across.
	CouplerClose time.Duration `yaml:"couplerClose"`
	// FeedTransfer closes the healthy-side coupler after a feed failure and
	// FeedTransferTie the failed-side one.
	FeedTransfer    time.Duration `yaml:"feedTransfer"`
	FeedTransferTie time.Duration `yaml:"feedTransferTie"`
	// CouplerOpen and RemoteCouplerOpen untie the buses during a restore.
	CouplerOpen       time.Duration `yaml:"couplerOpen"`
	RemoteCouplerOpen time.Duration `yaml:"remoteCouplerOpen"`
	// IncomerReclose re-closes a utility incomer once its feed is back.
	IncomerReclose time.Duration `yaml:"incomerReclose"`
	// GeneratorHold is the idle period before a generator is taken off.
	GeneratorHold       time.Duration `yaml:"generatorHold"`
	LocalIncomerReclose time.Duration `yaml:"localIncomerReclose"`
	// ManualCoupler is used when an operator opens or closes a coupler.
	ManualCoupler time.Duration `yaml:"manualCoupler"`
}

// DefaultTiming returns the delays observed on site.
func DefaultTiming() Timing {
	return Timing{
		GeneratorRamp:       10 * time.Second,
		CouplerClose:        9 * time.Second,
		FeedTransfer:        10 * time.Second,
		FeedTransferTie:     2 * time.Second,
		CouplerOpen:         2 * time.Second,
		RemoteCouplerOpen:   4 * time.Second,
		IncomerReclose:      5 * time.Second,
		GeneratorHold:       180 * time.Second,
		LocalIncomerReclose: 2 * time.Second,
		ManualCoupler:       0,
	}
}

// Validate rejects negative delays.
func (t Timing) Validate() error {
	for name, d := range map[string]time.Duration{
		"generatorRamp":       t.GeneratorRamp,
		"couplerClose":        t.CouplerClose,
		"feedTransfer":        t.FeedTransfer,
		"feedTransferTie":     t.FeedTransferTie,
		"couplerOpen":         t.CouplerOpen,
		"remoteCouplerOpen":   t.RemoteCouplerOpen,
		"incomerReclose":      t.IncomerReclose,
		"generatorHold":       t.GeneratorHold,
		"localIncomerReclose": t.LocalIncomerReclose,
		"manualCoupler":       t.ManualCoupler,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative: %s", name, d)
		}
	}
	return nil
}

// LoadTiming reads a YAML timing profile. Fields missing from the document
// keep their default value.
func LoadTiming(r io.Reader) (Timing, error) {
	t := DefaultTiming()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Timing{}, fmt.Errorf("failed to decode timing: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Timing{}, err
	}
	return t, nil
}

// LoadTimingFile reads a YAML timing profile from disk.
func LoadTimingFile(path string) (Timing, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Timing{}, fmt.Errorf("failed to read timing file: %w", err)
	}
	return LoadTiming(bytes.NewReader(b))
}
