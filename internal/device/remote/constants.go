package remote

// Kind is the registry key of the remote engine.
const Kind = "remote"

// Default vsock settings.
const (
	// DefaultPort is the vsock port the device agent listens on.
	DefaultPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)
