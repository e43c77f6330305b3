package async

// Version information for the async registry runtime.
const (
	// Version is the current version of the registry runtime.
	Version = "0.1.0"

	// APIVersion is the semver of the inspection wire format. Inspectors
	// may pass a minimum version they understand; the monitor rejects
	// requests asking for more than this.
	APIVersion = "v1.0.0"
)
