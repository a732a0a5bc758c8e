package objectstore

// Features describes the capabilities of a backend.
// The engine and helpers consult it to pick code paths; it never changes
// the result of an operation, only how it is carried out.
type Features struct {
	// ServerSideCopy indicates Copy does not transfer data through the client.
	ServerSideCopy bool

	// AtomicRename indicates Rename is a single atomic step.
	// When false, Rename copies then deletes the source and a concurrent
	// writer to the source may be lost.
	AtomicRename bool

	// AtomicCopyIfNotExists indicates the existence check and the write of
	// CopyIfNotExists happen in one step on the service.
	AtomicCopyIfNotExists bool

	// RangeRead indicates GetRange fetches only the requested bytes.
	RangeRead bool

	// MultipartParallel indicates parts may be uploaded out of order.
	MultipartParallel bool

	// MinPartSize is the smallest size of a non-final part, 0 if unbounded.
	MinPartSize int
}

// PartSize returns the larger of size and the backend's minimum part size.
func (f Features) PartSize(size int) int {
	if size < f.MinPartSize {
		return f.MinPartSize
	}
	return size
}
