// Package buildinfo exposes the version metadata stamped into the overseer
// binary at build time.
package buildinfo

// Injected through -ldflags at release time; the zero values identify a
// local development build.
var (
	// Version is the release number, e.g. "1.2.3".
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
	// BuiltAt is the RFC3339 build timestamp.
	BuiltAt = "unknown"
)

// String renders the metadata in the version subcommand's output format:
// "version=<semver> commit=<git-sha> built_at=<rfc3339>".
func String() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}
