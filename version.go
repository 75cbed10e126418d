package dhcp4d

// overwritten by -ldflags at release builds
var (
	version  = "0.1.0"
	revision = "HEAD"
)

// Version returns the version and revision of the build.
func Version() string {
	return "v" + version + " rev:" + revision
}
