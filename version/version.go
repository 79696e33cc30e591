package version

// Replaced with real values by the Makefile at build time.

var (
	Version = "latest"
	BuildId = "local"
)
