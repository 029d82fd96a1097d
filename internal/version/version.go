// Package version holds build metadata set through -ldflags.
package version

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String formats the build metadata for logs and the healthcheck.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
