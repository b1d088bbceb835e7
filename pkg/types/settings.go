package types

import (
	"errors"
	"fmt"
	"slices"
	"time"
	_ "time/tzdata"
)

// CurrentSiteConfigVersion is the current version of the site config struct.
// Increment this value when adding new fields that require default values.
const CurrentSiteConfigVersion = 3

// ErrInvalidSelection is returned when a command names a generator, coupler
// or index the site doesn't have.
var ErrInvalidSelection = errors.New("invalid selection")

// SiteConfig is the switchgear configuration stored in the database.
type SiteConfig struct {
	// Generators installed at the site, in selection order.
	Generators []SourceID `json:"generators"`
	// Mode is the operation mode a fresh state starts in.
	Mode Mode `json:"mode"`

	// Duty roster settings
	TimeZone             string `json:"timeZone"`
	MaxOperatorsPerShift int    `json:"maxOperatorsPerShift"`
}

// Validate checks that every configured generator exists and is listed once.
func (c SiteConfig) Validate() error {
	seen := make(map[SourceID]bool, len(c.Generators))
	for _, g := range c.Generators {
		if kind, ok := KindOf(g); !ok || kind != SourceKindGenerator {
			return fmt.Errorf("%w: %s is not a generator", ErrInvalidSelection, g)
		}
		if seen[g] {
			return fmt.Errorf("generator %s listed twice", g)
		}
		seen[g] = true
	}
	switch c.Mode {
	case "", ModeAuto, ModeManual:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("invalid time zone: %w", err)
		}
	}
	return nil
}

// GeneratorAt returns the generator at a zero-based selection index.
func (c SiteConfig) GeneratorAt(index int) (SourceID, error) {
	if index < 0 || index >= len(c.Generators) {
		return "", fmt.Errorf("%w: backup index %d, site has %d generators", ErrInvalidSelection, index, len(c.Generators))
	}
	return c.Generators[index], nil
}

// HasGenerator reports whether the generator is installed.
func (c SiteConfig) HasGenerator(id SourceID) bool {
	return slices.Contains(c.Generators, id)
}

// Location returns the site's time zone, UTC if unset or invalid.
func (c SiteConfig) Location() *time.Location {
	if c.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MigrateSiteConfig migrates the config to the current version.
// It returns the migrated config, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSiteConfig(c SiteConfig, currentVersion int) (SiteConfig, bool, error) {
	if currentVersion >= CurrentSiteConfigVersion {
		return c, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSiteConfigVersion; version++ {
		switch version {
		case 1:
			// version 1: every site had all three generators
			if len(c.Generators) == 0 {
				c.Generators = slices.Clone(AllGenerators)
				migrated = true
			}
			if c.Mode == "" {
				c.Mode = ModeAuto
				migrated = true
			}
		case 2:
			// version 2: duty roster limits
			if c.MaxOperatorsPerShift == 0 {
				c.MaxOperatorsPerShift = 2
				migrated = true
			}
		case 3:
			// version 3: rosters are kept in local time
			if c.TimeZone == "" {
				c.TimeZone = "Asia/Kolkata"
				migrated = true
			}
		default:
			return c, false, fmt.Errorf("unknown site config version: %d", version)
		}
	}

	return c, migrated, nil
}
