// Package version carries build metadata injected at link time via
// -ldflags, e.g.:
//
//	go build -ldflags "-X github.com/kestrel-data/floorsight/internal/version.Version=v0.4.0"
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
