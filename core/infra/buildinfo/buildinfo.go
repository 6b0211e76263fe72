// Package buildinfo holds version metadata stamped at link time with
// -ldflags "-X github.com/soullab/kernel-gateway/core/infra/buildinfo.Version=...".
package buildinfo

import (
	"fmt"

	"github.com/soullab/kernel-gateway/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Fields returns the build metadata as a JSON-friendly map for health bodies.
func Fields() map[string]string {
	return map[string]string{"version": Version, "commit": Commit, "date": Date}
}

// Log writes the build summary for service.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
