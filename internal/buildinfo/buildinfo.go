// Package buildinfo carries version stamps set with -ldflags "-X fleetgeo/internal/buildinfo.Version=...".
package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"service": "fleetgeo",
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}
