// Package secprofile decides how tightly a module container is sandboxed.
package secprofile

import "log/slog"

// Profile names.
const (
	Strict  = "strict"
	Relaxed = "relaxed"
)

// Image labels a module publisher can set to influence profile resolution.
const (
	LabelProfile      = "platform.module.security-profile"
	LabelUID1000Ready = "platform.module.uid1000-ready"
	LabelRequiresRoot = "platform.module.requires-root"
)

// Profile is the concrete container hardening applied to a module.
type Profile struct {
	Name            string
	RunAsUser       string
	DropAllCaps     bool
	ReadOnlyRootFS  bool
	NoNewPrivileges bool
}

// StrictProfile runs the container as UID 1000 with all capabilities
// dropped, a read-only root filesystem, and privilege escalation disabled.
func StrictProfile() Profile {
	return Profile{
		Name:            Strict,
		RunAsUser:       "1000:1000",
		DropAllCaps:     true,
		ReadOnlyRootFS:  true,
		NoNewPrivileges: true,
	}
}

// RelaxedProfile runs the container unrestricted, as root.
func RelaxedProfile() Profile {
	return Profile{Name: Relaxed}
}

// Resolver picks a security profile for each install.
type Resolver struct {
	environment string
}

// NewResolver creates a resolver. Environment drives the fallback profile:
// development defaults to relaxed, everything else to strict.
func NewResolver(environment string) *Resolver {
	return &Resolver{environment: environment}
}

// Resolve determines the profile for a module install. Precedence: an
// explicit profile in the install request wins, then image labels, then the
// environment default.
func (r *Resolver) Resolve(requested string, imageLabels map[string]string) Profile {
	switch requested {
	case Strict:
		return StrictProfile()
	case Relaxed:
		return RelaxedProfile()
	}

	if p, ok := fromLabels(imageLabels); ok {
		return p
	}

	if r.environment == "development" {
		return RelaxedProfile()
	}
	return StrictProfile()
}

func fromLabels(labels map[string]string) (Profile, bool) {
	switch labels[LabelProfile] {
	case Strict:
		return StrictProfile(), true
	case Relaxed:
		return RelaxedProfile(), true
	}

	if labels[LabelRequiresRoot] == "true" {
		slog.Warn("module image declares it requires root, using relaxed profile")
		return RelaxedProfile(), true
	}
	if labels[LabelUID1000Ready] == "true" {
		return StrictProfile(), true
	}
	return Profile{}, false
}
