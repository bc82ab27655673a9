// Package capability resolves what a host platform can express when a stream
// has to be terminated early.
package capability

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// Tier is the stream-reset capability of the host platform.
type Tier int

// Capability tiers, ordered from least to most capable.
const (
	// Unsupported hosts have no stream concept at all; reset requests fail.
	Unsupported Tier = iota
	// GenericCancelOnly hosts can reset a stream but only with CANCEL.
	GenericCancelOnly
	// FullReasonSupport hosts preserve application-supplied reset codes.
	FullReasonSupport
)

func (t Tier) String() string {
	switch t {
	case Unsupported:
		return "unsupported"
	case GenericCancelOnly:
		return "generic-cancel-only"
	case FullReasonSupport:
		return "full-reason"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Default thresholds.
const (
	DefaultGenericCancelVersion  = "10.0.0.0"
	DefaultFullReasonVersion     = "10.0.19529"
	DefaultEmptyDataQuirkVersion = "10.0.20145"
)

// Profile is the per-connection capability snapshot. It is computed once at
// connection setup and never re-evaluated.
type Profile struct {
	Tier Tier
	// EmptyDataBeforeReset makes the emitter write a zero-length, non-final
	// DATA frame right after the response headers of a faulted stream.
	EmptyDataBeforeReset bool
	// PlatformVersion is the version the profile was resolved from.
	PlatformVersion string
}

// Thresholds configures the Resolver. Empty strings fall back to defaults,
// except EmptyDataQuirk where "-" disables the quirk entirely.
type Thresholds struct {
	GenericCancel  string
	FullReason     string
	EmptyDataQuirk string
}

// Resolver maps platform versions onto capability tiers.
type Resolver struct {
	genericCancel *version.Version
	fullReason    *version.Version
	quirk         *version.Version
}

// NewResolver validates the thresholds and builds a Resolver.
func NewResolver(t Thresholds) (*Resolver, error) {
	if t.GenericCancel == "" {
		t.GenericCancel = DefaultGenericCancelVersion
	}
	if t.FullReason == "" {
		t.FullReason = DefaultFullReasonVersion
	}
	if t.EmptyDataQuirk == "" {
		t.EmptyDataQuirk = DefaultEmptyDataQuirkVersion
	}

	generic, err := version.NewVersion(t.GenericCancel)
	if err != nil {
		return nil, fmt.Errorf("invalid generic cancel threshold %q: %w", t.GenericCancel, err)
	}
	full, err := version.NewVersion(t.FullReason)
	if err != nil {
		return nil, fmt.Errorf("invalid full reason threshold %q: %w", t.FullReason, err)
	}
	if full.LessThan(generic) {
		return nil, fmt.Errorf("full reason threshold %s is below generic cancel threshold %s", full, generic)
	}

	r := &Resolver{genericCancel: generic, fullReason: full}
	if t.EmptyDataQuirk != "-" {
		q, err := version.NewVersion(t.EmptyDataQuirk)
		if err != nil {
			return nil, fmt.Errorf("invalid empty data quirk threshold %q: %w", t.EmptyDataQuirk, err)
		}
		r.quirk = q
	}
	return r, nil
}

// MustResolver is like NewResolver but panics on invalid thresholds.
func MustResolver(t Thresholds) *Resolver {
	r, err := NewResolver(t)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the tier for a platform version. Unparseable versions are
// reported as errors; the caller decides whether to degrade to Unsupported.
func (r *Resolver) Resolve(platformVersion string) (Tier, error) {
	v, err := version.NewVersion(platformVersion)
	if err != nil {
		return Unsupported, fmt.Errorf("invalid platform version %q: %w", platformVersion, err)
	}
	return r.tier(v), nil
}

func (r *Resolver) tier(v *version.Version) Tier {
	switch {
	case v.LessThan(r.genericCancel):
		return Unsupported
	case v.LessThan(r.fullReason):
		return GenericCancelOnly
	default:
		return FullReasonSupport
	}
}

// Profile resolves the full capability profile for a platform version.
func (r *Resolver) Profile(platformVersion string) (Profile, error) {
	v, err := version.NewVersion(platformVersion)
	if err != nil {
		return Profile{Tier: Unsupported, PlatformVersion: platformVersion},
			fmt.Errorf("invalid platform version %q: %w", platformVersion, err)
	}
	p := Profile{Tier: r.tier(v), PlatformVersion: platformVersion}
	p.EmptyDataBeforeReset = p.Tier != Unsupported && r.quirk != nil && !v.LessThan(r.quirk)
	return p, nil
}

// VersionSource reports the host platform version. It is queried once per
// connection.
type VersionSource interface {
	PlatformVersion() (string, error)
}

// StaticVersion is a VersionSource with a fixed value.
type StaticVersion string

// PlatformVersion implements VersionSource.
func (s StaticVersion) PlatformVersion() (string, error) {
	if s == "" {
		return "", fmt.Errorf("platform version not configured")
	}
	return string(s), nil
}

// ProfileFrom queries src once and resolves the profile.
func (r *Resolver) ProfileFrom(src VersionSource) (Profile, error) {
	v, err := src.PlatformVersion()
	if err != nil {
		return Profile{Tier: Unsupported}, err
	}
	return r.Profile(v)
}
