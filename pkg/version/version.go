package version

// Relayer release version injected by the linker (-X .../pkg/version.version=...).
var version = "development"

func Version() string {
	if version == "" {
		panic("binary compiled with empty version")
	}
	return version
}
