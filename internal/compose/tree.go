package compose

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map is an insertion-ordered key/value tree. Values are *Map, []any or
// YAML scalars (string, int, float64, bool, nil).
type Map struct {
	keys   []string
	values map[string]any
}

func NewMap() *Map {
	return &Map{values: map[string]any{}}
}

func (m *Map) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m *Map) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set stores v under key; a new key goes to the end.
func (m *Map) Set(key string, v any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

func (m *Map) Delete(key string) bool {
	if _, ok := m.values[key]; !ok {
		return false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Lookup follows a dotted path. Numeric segments index into lists.
func (m *Map) Lookup(path string) (any, bool) {
	if path == "" {
		return m, true
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case *Map:
			v, ok := node.values[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath stores v at a dotted path, creating (or replacing non-map)
// intermediate nodes.
func (m *Map) SetPath(path string, v any) {
	segs := strings.Split(path, ".")
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur.values[seg].(*Map)
		if !ok {
			next = NewMap()
			cur.Set(seg, next)
		}
		cur = next
	}
	cur.Set(segs[len(segs)-1], v)
}

// DeletePath removes the value at a dotted path.
func (m *Map) DeletePath(path string) bool {
	segs := strings.Split(path, ".")
	parent := m
	if len(segs) > 1 {
		v, ok := m.Lookup(strings.Join(segs[:len(segs)-1], "."))
		if !ok {
			return false
		}
		if parent, ok = v.(*Map); !ok {
			return false
		}
	}
	return parent.Delete(segs[len(segs)-1])
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := NewMap()
	for _, k := range m.keys {
		out.Set(k, cloneValue(m.values[k]))
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case *Map:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

// Walk visits every leaf (including empty maps and lists) with its dotted path.
func (m *Map) Walk(fn func(path string, v any) error) error {
	return walk("", m, fn)
}

func walk(prefix string, v any, fn func(string, any) error) error {
	switch x := v.(type) {
	case *Map:
		if x.Len() == 0 && prefix != "" {
			return fn(prefix, x)
		}
		for _, k := range x.keys {
			if err := walk(joinPath(prefix, k), x.values[k], fn); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if len(x) == 0 {
			return fn(prefix, x)
		}
		for i, item := range x {
			if err := walk(joinPath(prefix, strconv.Itoa(i)), item, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return fn(prefix, v)
	}
}

// Flatten renders every leaf as "dotted.key=value", in tree order.
func (m *Map) Flatten() []string {
	var out []string
	_ = m.Walk(func(path string, v any) error {
		out = append(out, path+"="+FormatScalar(v))
		return nil
	})
	return out
}

// Plain converts the tree into map[string]any / []any values.
func (m *Map) Plain() map[string]any {
	out := make(map[string]any, len(m.keys))
	for _, k := range m.keys {
		out[k] = plainValue(m.values[k])
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case *Map:
		return x.Plain()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = plainValue(x[i])
		}
		return out
	default:
		return v
	}
}

// FormatScalar renders a value the way it appears in an interpolated string.
func FormatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case *Map, []any:
		n, err := encodeValue(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		n.Style = yaml.FlowStyle
		out, err := yaml.Marshal(n)
		if err != nil {
			return fmt.Sprint(x)
		}
		return strings.TrimSpace(string(out))
	default:
		return fmt.Sprint(x)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// MarshalYAML keeps insertion order when the tree is encoded.
func (m *Map) MarshalYAML() (interface{}, error) {
	return encodeValue(m)
}

func (m *Map) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeNode(node)
	if err != nil {
		return err
	}
	decoded, ok := v.(*Map)
	if !ok {
		if v == nil {
			*m = *NewMap()
			return nil
		}
		return fmt.Errorf("line %d: expected a mapping at the top level", node.Line)
	}
	*m = *decoded
	return nil
}

func encodeValue(v any) (*yaml.Node, error) {
	switch x := v.(type) {
	case *Map:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range x.keys {
			kn := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
			vn, err := encodeValue(x.values[k])
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, kn, vn)
		}
		if len(n.Content) == 0 {
			n.Style = yaml.FlowStyle
		}
		return n, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range x {
			in, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, in)
		}
		if len(n.Content) == 0 {
			n.Style = yaml.FlowStyle
		}
		return n, nil
	default:
		n := &yaml.Node{}
		if err := n.Encode(x); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return decodeNode(node.Content[0])
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i], node.Content[i+1]
			if k.Kind == yaml.ScalarNode && k.Tag == "!!merge" {
				// "<<: *anchor" merges the aliased mapping in place.
				merged, err := decodeNode(v)
				if err != nil {
					return nil, err
				}
				if mm, ok := merged.(*Map); ok {
					for _, mk := range mm.keys {
						m.Set(mk, mm.values[mk])
					}
				}
				continue
			}
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: mapping keys must be scalars", k.Line)
			}
			val, err := decodeNode(v)
			if err != nil {
				return nil, err
			}
			m.Set(k.Value, val)
		}
		return m, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, c := range node.Content {
			val, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	case yaml.AliasNode:
		return decodeNode(node.Alias)
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", node.Line)
	}
}

// ParseValue decodes a YAML fragment (a scalar, flow list or flow map).
func ParseValue(text string) (any, error) {
	if text == "" {
		return "", nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(text), &node); err != nil {
		return nil, err
	}
	return decodeNode(&node)
}

// FromPlain converts map[string]any trees (keys sorted) into a Map.
func FromPlain(in map[string]any) *Map {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m := NewMap()
	for _, k := range keys {
		m.Set(k, fromPlainValue(in[k]))
	}
	return m
}

func fromPlainValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return FromPlain(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = fromPlainValue(x[i])
		}
		return out
	default:
		return v
	}
}
