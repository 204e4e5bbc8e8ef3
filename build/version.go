package build

// commit is set by the linker, at build time
var commit string

// Version returns the current lnbank version
func Version() string {
	if commit == "" {
		return "dev"
	}
	return commit
}
