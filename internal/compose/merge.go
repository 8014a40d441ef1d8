package compose

// ListMode decides how a list in a later layer meets a list in an earlier one.
type ListMode int

const (
	// ListReplace swaps the whole list, matching the composition library
	// contract tools are written against.
	ListReplace ListMode = iota
	// ListAppend concatenates earlier and later elements.
	ListAppend
)

// ParseListMode maps the settings.list_merge value; unknown values replace.
func ParseListMode(s string) ListMode {
	if s == "append" {
		return ListAppend
	}
	return ListReplace
}

// Merge folds src into dst: maps merge key by key, every other value is
// last-writer-wins. src is never aliased into dst.
func Merge(dst, src *Map, mode ListMode) {
	for _, k := range src.keys {
		sv := src.values[k]
		dv, exists := dst.values[k]
		if !exists {
			dst.Set(k, cloneValue(sv))
			continue
		}
		switch s := sv.(type) {
		case *Map:
			if d, ok := dv.(*Map); ok {
				Merge(d, s, mode)
				continue
			}
		case []any:
			if d, ok := dv.([]any); ok && mode == ListAppend {
				dst.Set(k, append(append([]any(nil), d...), cloneValue(s).([]any)...))
				continue
			}
		}
		dst.Set(k, cloneValue(sv))
	}
}

// MergeLayers merges an ordered sequence of trees, lowest priority first.
func MergeLayers(mode ListMode, layers ...*Map) *Map {
	out := NewMap()
	for _, l := range layers {
		if l != nil {
			Merge(out, l, mode)
		}
	}
	return out
}

// wrap nests body under a dotted package path.
func wrap(pkg string, body *Map) *Map {
	if pkg == "" {
		return body
	}
	out := NewMap()
	out.SetPath(pkg, body)
	return out
}
