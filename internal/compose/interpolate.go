package compose

import (
	"os"
	"strconv"
	"strings"
)

// MissingValue marks a mandatory value that must be supplied by an override.
const MissingValue = "???"

// EnvLookup resolves ${oc.env:NAME}; os.LookupEnv by default.
type EnvLookup func(string) (string, bool)

type interpolator struct {
	root      *Map
	env       EnvLookup
	resolving map[string]bool
	// done holds paths whose resolved value is already stored in root.
	done map[string]bool
}

// Interpolate resolves every ${...} reference in place. Whole-value
// references keep the target's type; embedded references render as text.
func Interpolate(root *Map, env EnvLookup) error {
	if env == nil {
		env = os.LookupEnv
	}
	ip := &interpolator{root: root, env: env, resolving: map[string]bool{}, done: map[string]bool{}}
	for _, k := range root.Keys() {
		v, err := ip.value(k, root.values[k])
		if err != nil {
			return err
		}
		root.Set(k, v)
		ip.done[k] = true
	}
	return CheckResolved(root)
}

// CheckResolved fails on any residual ${...} token or "???" value.
func CheckResolved(root *Map) error {
	return root.Walk(func(path string, v any) error {
		s, ok := v.(string)
		if !ok {
			return nil
		}
		if s == MissingValue {
			return &UnresolvedReferenceError{Key: path, Reference: MissingValue, Reason: "mandatory value is missing"}
		}
		if strings.Contains(s, "${") {
			return &UnresolvedReferenceError{Key: path, Reference: s, Reason: "interpolation left unresolved"}
		}
		return nil
	})
}

func (ip *interpolator) value(path string, v any) (any, error) {
	if ip.done[path] {
		return v, nil
	}
	switch x := v.(type) {
	case string:
		return ip.str(path, x)
	case *Map:
		for _, k := range x.Keys() {
			nv, err := ip.value(joinPath(path, k), x.values[k])
			if err != nil {
				return nil, err
			}
			x.Set(k, nv)
			ip.done[joinPath(path, k)] = true
		}
		return x, nil
	case []any:
		for i := range x {
			nv, err := ip.value(joinPath(path, strconv.Itoa(i)), x[i])
			if err != nil {
				return nil, err
			}
			x[i] = nv
			ip.done[joinPath(path, strconv.Itoa(i))] = true
		}
		return x, nil
	default:
		return v, nil
	}
}

// str expands references left to right. Substituted text is emitted as-is
// and never scanned again.
func (ip *interpolator) str(path, s string) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], "${")
		if j < 0 {
			b.WriteString(s[i:])
			break
		}
		j += i
		end := closingBrace(s, j+2)
		if end < 0 {
			return nil, &UnresolvedReferenceError{Key: path, Reference: s, Reason: "malformed interpolation"}
		}
		target, err := ip.expr(path, s[j+2:end])
		if err != nil {
			return nil, err
		}
		if j == 0 && end == len(s)-1 {
			// The whole value is one reference: keep the target's type.
			return cloneValue(target), nil
		}
		b.WriteString(s[i:j])
		b.WriteString(FormatScalar(target))
		i = end + 1
	}
	return b.String(), nil
}

// expr resolves one ${...} body. References nested in the body are expanded
// first, within the body only.
func (ip *interpolator) expr(path, body string) (any, error) {
	if strings.Contains(body, "${") {
		v, err := ip.str(path, body)
		if err != nil {
			return nil, err
		}
		body = FormatScalar(v)
	}
	return ip.resolve(path, body)
}

// closingBrace returns the index of the "}" that closes a reference whose
// body starts at from, or -1.
func closingBrace(s string, from int) int {
	depth := 0
	for k := from; k < len(s); k++ {
		switch {
		case strings.HasPrefix(s[k:], "${"):
			depth++
			k++
		case s[k] == '}':
			if depth == 0 {
				return k
			}
			depth--
		}
	}
	return -1
}

func (ip *interpolator) resolve(at, expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if name, args, ok := strings.Cut(expr, ":"); ok && isResolverName(name) {
		if name != "oc.env" {
			return nil, &UnresolvedReferenceError{Key: at, Reference: "${" + expr + "}", Reason: "unknown resolver " + name}
		}
		key, def, hasDef := strings.Cut(args, ",")
		key = strings.TrimSpace(key)
		if v, ok := ip.env(key); ok {
			return v, nil
		}
		if hasDef {
			return ParseValue(strings.TrimSpace(def))
		}
		return nil, &UnresolvedReferenceError{Key: at, Reference: "${" + expr + "}", Reason: "environment variable " + key + " is not set"}
	}

	target := absoluteRef(at, expr)
	if ip.resolving[target] {
		return nil, &UnresolvedReferenceError{Key: at, Reference: "${" + expr + "}", Reason: "reference cycle"}
	}
	v, ok := ip.root.Lookup(target)
	if !ok {
		return nil, &UnresolvedReferenceError{Key: at, Reference: "${" + expr + "}", Reason: "key " + target + " not found"}
	}
	if s, isStr := v.(string); isStr && s == MissingValue {
		return nil, &UnresolvedReferenceError{Key: at, Reference: "${" + expr + "}", Reason: "target " + target + " is mandatory and missing"}
	}
	ip.resolving[target] = true
	defer delete(ip.resolving, target)
	return ip.value(target, v)
}

// absoluteRef turns a relative reference (leading dots) into an absolute
// dotted path. One dot means a sibling of the key being resolved.
func absoluteRef(at, ref string) string {
	if !strings.HasPrefix(ref, ".") {
		return ref
	}
	dots := len(ref) - len(strings.TrimLeft(ref, "."))
	segs := strings.Split(at, ".")
	up := dots
	if up > len(segs) {
		up = len(segs)
	}
	base := segs[:len(segs)-up]
	rest := ref[dots:]
	if len(base) == 0 {
		return rest
	}
	if rest == "" {
		return strings.Join(base, ".")
	}
	return strings.Join(base, ".") + "." + rest
}

func isResolverName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '.' || r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
