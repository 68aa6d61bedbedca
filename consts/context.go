package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey forces a query onto the write pool, for read-your-writes
	// right after a delivery or flag change.
	UseMasterDBKey = ContextKey("use_master")
)
