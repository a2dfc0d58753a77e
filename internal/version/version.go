// Package version provides version information for usdmanager.
package version

// Version is the current version of usdmanager.
// It can be overridden at build time with:
//
//	go build -ldflags "-X github.com/usdmanager/usdmanager/internal/version.Version=x.y.z"
var Version = "0.9.0"

// Name is the application name.
const Name = "usdmanager"
