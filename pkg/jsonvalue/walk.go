package jsonvalue

import "fmt"

// Root is the path of the top-level value
const Root = "$"

// Field appends an object key to path
func Field(path, key string) string {
	return path + "." + key
}

// Index appends an array index to path
func Index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

// Visitor is called for every node in pre-order. key is the object key the
// node sits under, or empty for array items and the root. Returning false
// skips the node's children.
type Visitor func(path, key string, v any) bool

// Walk visits v and its descendants. Object keys are visited in sorted order.
func Walk(v any, visit Visitor) {
	walk(Root, "", v, visit)
}

func walk(path, key string, v any, visit Visitor) {
	if !visit(path, key, v) {
		return
	}
	switch t := v.(type) {
	case []any:
		for i, item := range t {
			walk(Index(path, i), "", item, visit)
		}
	case map[string]any:
		for _, k := range SortedKeys(t) {
			walk(Field(path, k), k, t[k], visit)
		}
	}
}

// Rewriter may replace a node. When handled is true the returned value is used
// as-is and the node's children are not visited.
type Rewriter func(key string, v any) (replacement any, handled bool, err error)

// Transform returns a copy of v with rewrite applied to every node.
func Transform(v any, rewrite Rewriter) (any, error) {
	return transform("", v, rewrite)
}

func transform(key string, v any, rewrite Rewriter) (any, error) {
	out, handled, err := rewrite(key, v)
	if err != nil {
		return nil, err
	}
	if handled {
		return out, nil
	}
	switch t := v.(type) {
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			next, err := transform("", item, rewrite)
			if err != nil {
				return nil, err
			}
			items[i] = next
		}
		return items, nil
	case map[string]any:
		obj := make(map[string]any, len(t))
		for k, item := range t {
			next, err := transform(k, item, rewrite)
			if err != nil {
				return nil, err
			}
			obj[k] = next
		}
		return obj, nil
	default:
		return v, nil
	}
}

// MapStrings returns a copy of v with fn applied to every string leaf.
func MapStrings(v any, fn func(s string) string) any {
	out, _ := Transform(v, func(_ string, node any) (any, bool, error) {
		if s, ok := node.(string); ok {
			return fn(s), true, nil
		}
		return nil, false, nil
	})
	return out
}
