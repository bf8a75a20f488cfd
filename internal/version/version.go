// ABOUTME: Product and version constants
// ABOUTME: Reported by the CLI and in the User-Agent of WebSocket dials
package version

// Version is overridden at build time with -ldflags "-X .../version.Version=..."
var Version = "0.1.0"

const (
	Product      = "css-sync"
	Manufacturer = "Resonate Protocol"
)

// UserAgent identifies this client to CII and TS servers
func UserAgent() string {
	return Product + "/" + Version
}

// Banner is the one-line identification printed by -version
func Banner() string {
	return UserAgent() + " (" + Manufacturer + ")"
}
