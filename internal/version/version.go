package version

// Version is the current version of tappi.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/NoelleStern/Tappi-share/internal/version.Version=v1.0.0'"
var Version = "dev"
