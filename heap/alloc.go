package heap

// HeaderOf exposes an object's embedded Header to other runtime packages
// (rc, gc) without making Header mutation available to arbitrary external
// implementers of Object — the interface's header() method stays
// unexported, this is the one sanctioned crossing point.
func HeaderOf(o Object) *Header { return o.header() }

// Finalize runs an object's non-refcount cleanup (auxiliary buffers,
// foreign-handle finalizers). suppressChildren is true during cycle
// sweep: the collector has already decided the whole cycle is garbage, so
// child Values must not be released here (they are destroyed in the same
// sweep pass).
func Finalize(o Object, suppressChildren bool) { o.finalize(suppressChildren) }

// AddGlobalRC adjusts the process-wide mirrored refcount total exposed by
// GlobalRC, for use by rc and gc.
func AddGlobalRC(delta int64) { addGlobalRC(delta) }

// Free returns an object to its allocation path: the size-class pool free
// list for small types, or simply unpins it for the general allocator
// (ordinary Go garbage collection then reclaims the memory once nothing,
// including the Pinner, references it).
func Free(o Object) {
	h := HeaderOf(o)
	h.pinner.Unpin()
	recordFree(h.small)
	if !h.small {
		return
	}
	switch h.TypeID {
	case TypeBox:
		putPooled(TypeBox, o)
	case TypePointer, TypeFile, TypeDir, TypeDirIter:
		putPooled(TypePointer, o)
	case TypeMetaType:
		putPooled(TypeMetaType, o)
	}
}
