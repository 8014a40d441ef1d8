package compose

import (
	"fmt"
	"regexp"
	"strings"
)

// OverrideOp is the action an override string requests.
type OverrideOp int

const (
	OpSet    OverrideOp = iota // a.b=v
	OpAdd                      // +a.b=v
	OpForce                    // ++a.b=v
	OpDelete                   // ~a.b or ~a.b=v
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-/@]+(\.[A-Za-z0-9_\-/@]+)*$`)

// Override is one parsed key=value argument.
type Override struct {
	Raw   string
	Op    OverrideOp
	Key   string
	Value any
	// Text is the unparsed value; a group override uses it as the option name.
	Text string
	// HasValue is false for a bare "~key".
	HasValue bool
}

// ParseOverride parses one command-line override.
func ParseOverride(raw string) (Override, error) {
	o := Override{Raw: raw}
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "++"):
		o.Op, s = OpForce, s[2:]
	case strings.HasPrefix(s, "+"):
		o.Op, s = OpAdd, s[1:]
	case strings.HasPrefix(s, "~"):
		o.Op, s = OpDelete, s[1:]
	}
	key, text, hasValue := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !keyPattern.MatchString(key) {
		return o, fmt.Errorf("invalid override %q: bad key %q", raw, key)
	}
	if !hasValue && o.Op != OpDelete {
		return o, fmt.Errorf("invalid override %q: expected key=value", raw)
	}
	o.Key, o.Text, o.HasValue = key, text, hasValue
	if hasValue {
		v, err := ParseValue(text)
		if err != nil {
			return o, fmt.Errorf("invalid override %q: %w", raw, err)
		}
		o.Value = v
	}
	return o, nil
}

// ParseOverrides parses every override, stopping at the first bad one.
func ParseOverrides(raw []string) ([]Override, error) {
	out := make([]Override, 0, len(raw))
	for _, r := range raw {
		o, err := ParseOverride(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// Apply applies a value override to the tree.
func (o Override) Apply(m *Map) error {
	existing, exists := m.Lookup(o.Key)
	switch o.Op {
	case OpAdd:
		if exists {
			return &CompositionError{File: "<overrides>", Reference: o.Raw, Reason: "key already exists, use ++" + o.Key + " to force"}
		}
		m.SetPath(o.Key, cloneValue(o.Value))
	case OpSet, OpForce:
		m.SetPath(o.Key, cloneValue(o.Value))
	case OpDelete:
		if !exists {
			return &CompositionError{File: "<overrides>", Reference: o.Raw, Reason: "key not found"}
		}
		if o.HasValue && FormatScalar(existing) != FormatScalar(o.Value) {
			return &CompositionError{File: "<overrides>", Reference: o.Raw,
				Reason: fmt.Sprintf("current value %s does not match", FormatScalar(existing))}
		}
		m.DeletePath(o.Key)
	}
	return nil
}
