// Package version carries the build identity a bridge binary reports
// at startup and on /health.
//
// The variables are stamped at link time:
//
//	go build -ldflags "-X github.com/mwaller/outpost/internal/version.Version=0.3.0 \
//	    -X github.com/mwaller/outpost/internal/version.Commit=$(git rev-parse --short HEAD) \
//	    -X github.com/mwaller/outpost/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

// Unstamped builds fall back to these.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String renders the full identity for startup logging.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
