package buildversion

import "runtime/debug"

// GetVersion returns the module version of modulePath from the embedded
// build info, or an empty string when it is unavailable, such as when
// running from a source checkout.
func GetVersion(modulePath string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	if info.Main.Path == modulePath {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}

	return ""
}
