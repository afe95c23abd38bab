package domain

// KV is the generic key-value persistence collaborator. The core writes the
// per-chat message cache and pendingRun markers through it; it survives
// process restarts so the client can re-seed chats and re-attach to jobs
// still in flight server-side.
type KV interface {
	// Get returns the value for key and whether it exists.
	Get(key []byte) ([]byte, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(key, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// Scan visits every key with the given prefix in key order. Returning
	// an error from fn stops the scan and propagates the error.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	// Compact reclaims space. Safe to call at any time.
	Compact() error
	// Close releases the underlying resources.
	Close() error
}

// Renderer turns completed message markdown into display form. It is only
// invoked on the structured-render signal (stream.completed), never while a
// message is still streaming.
type Renderer interface {
	Render(markdown string) (string, error)
}
