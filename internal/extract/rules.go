package extract

import (
	"errors"
	"fmt"
	"sort"

	"github.com/andybalholm/cascadia"
)

// FieldType says how a matched element becomes a field value.
type FieldType string

// Field types.
const (
	TypeText     FieldType = "text"
	TypeURL      FieldType = "url"
	TypeNumber   FieldType = "number"
	TypePercent  FieldType = "percent"
	TypeDate     FieldType = "date"
	TypeHTML     FieldType = "html"
	TypeMarkdown FieldType = "markdown"
)

// FieldRule locates and types one field inside an item.
type FieldRule struct {
	Name string
	// Selector is relative to the item. Empty means the item element itself.
	Selector string
	// Attr reads an attribute instead of the element text. url fields default to href.
	Attr     string
	Type     FieldType
	Required bool
	// MaxLen truncates text values to this many runes.
	MaxLen  int
	Default string
}

// Rule describes how to turn a page into candidate records.
type Rule struct {
	Name     string
	Item     string
	Identity []string
	Fields   []FieldRule
}

// Compiled is a Rule with its selectors parsed.
type Compiled struct {
	Rule
	item   cascadia.Selector
	fields []compiledField
}

type compiledField struct {
	FieldRule
	sel cascadia.Selector
}

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid parse rule")

// Compile validates r and parses its selectors.
func Compile(r Rule) (*Compiled, error) {
	if r.Item == "" {
		return nil, fmt.Errorf("%w %q: item selector is required", ErrInvalidRule, r.Name)
	}
	if len(r.Fields) == 0 {
		return nil, fmt.Errorf("%w %q: at least one field is required", ErrInvalidRule, r.Name)
	}
	item, err := cascadia.Compile(r.Item)
	if err != nil {
		return nil, fmt.Errorf("%w %q: item selector: %v", ErrInvalidRule, r.Name, err)
	}

	c := &Compiled{Rule: r, item: item}
	names := make(map[string]struct{}, len(r.Fields))
	for _, f := range r.Fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w %q: field without a name", ErrInvalidRule, r.Name)
		}
		if _, dup := names[f.Name]; dup {
			return nil, fmt.Errorf("%w %q: duplicate field %q", ErrInvalidRule, r.Name, f.Name)
		}
		names[f.Name] = struct{}{}
		if f.Type == "" {
			f.Type = TypeText
		}
		if !validType(f.Type) {
			return nil, fmt.Errorf("%w %q: field %q has unknown type %q", ErrInvalidRule, r.Name, f.Name, f.Type)
		}
		if f.Type == TypeURL && f.Attr == "" {
			f.Attr = "href"
		}
		cf := compiledField{FieldRule: f}
		if f.Selector != "" {
			sel, err := cascadia.Compile(f.Selector)
			if err != nil {
				return nil, fmt.Errorf("%w %q: field %q selector: %v", ErrInvalidRule, r.Name, f.Name, err)
			}
			cf.sel = sel
		}
		c.fields = append(c.fields, cf)
	}
	for _, id := range r.Identity {
		if _, ok := names[id]; !ok {
			return nil, fmt.Errorf("%w %q: identity field %q is not defined", ErrInvalidRule, r.Name, id)
		}
	}
	return c, nil
}

// CompileAll compiles a set of named rules.
func CompileAll(rules map[string]Rule) (map[string]*Compiled, error) {
	out := make(map[string]*Compiled, len(rules))
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		r := rules[name]
		if r.Name == "" {
			r.Name = name
		}
		c, err := Compile(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = c
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func validType(t FieldType) bool {
	switch t {
	case TypeText, TypeURL, TypeNumber, TypePercent, TypeDate, TypeHTML, TypeMarkdown:
		return true
	}
	return false
}
