// Package version provides the raibid version strings.
package version

import "runtime"

// baseVersion is the release version. buildVersion can be overridden at
// compile time with:
//
//	go build -ldflags "-X github.com/raibid-labs/raibid/version.buildVersion=abc"
var (
	baseVersion  = "0.4.0"
	buildVersion string
)

func Version() string {
	return baseVersion
}

func BuildVersion() string {
	if buildVersion == "" {
		return "dev"
	}
	return buildVersion
}

func FullVersion() string {
	return Version() + "+" + BuildVersion() + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
