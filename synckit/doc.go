package synckit

// Doc is a record payload: arbitrary domain fields keyed by name.
type Doc map[string]any

// Clone returns a shallow copy. Nested values are shared.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// MergeOver returns base with d's fields written on top. Neither input is
// modified.
func (d Doc) MergeOver(base Doc) Doc {
	out := make(Doc, len(base)+len(d))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range d {
		out[k] = v
	}
	return out
}
