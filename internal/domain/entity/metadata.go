package entity

import "fmt"

// Metadata is the typed value tree attached to a frame. Values are limited
// to int64, float64, string, bool, []any and nested map[string]any; Set
// normalizes Go integer and float widths into those types and rejects
// anything else. The tree is mutable until the owning frame is serialized.
type Metadata struct {
	m map[string]any
}

func NewMetadata() *Metadata {
	return &Metadata{m: make(map[string]any)}
}

// Set stores a value under key after normalizing it into the supported
// type set. Unsupported types are an error, nothing is stored.
func (md *Metadata) Set(key string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("metadata key %q: %w", key, err)
	}
	md.m[key] = v
	return nil
}

func (md *Metadata) Get(key string) (any, bool) {
	v, ok := md.m[key]
	return v, ok
}

func (md *Metadata) GetInt(key string) (int64, bool) {
	v, ok := md.m[key].(int64)
	return v, ok
}

func (md *Metadata) GetFloat(key string) (float64, bool) {
	v, ok := md.m[key].(float64)
	return v, ok
}

func (md *Metadata) GetString(key string) (string, bool) {
	v, ok := md.m[key].(string)
	return v, ok
}

func (md *Metadata) GetBool(key string) (bool, bool) {
	v, ok := md.m[key].(bool)
	return v, ok
}

func (md *Metadata) Delete(key string) {
	delete(md.m, key)
}

func (md *Metadata) Len() int {
	return len(md.m)
}

func (md *Metadata) Keys() []string {
	keys := make([]string, 0, len(md.m))
	for k := range md.m {
		keys = append(keys, k)
	}
	return keys
}

// Map exposes the underlying tree. Callers must treat it as owned by the
// metadata; it is handed to wire codecs, not shared across frames.
func (md *Metadata) Map() map[string]any {
	return md.m
}

// Replace installs a whole tree, normalizing every node.
func (md *Metadata) Replace(m map[string]any) error {
	v, err := normalize(m)
	if err != nil {
		return err
	}
	md.m = v.(map[string]any)
	return nil
}

// Copy returns a deep copy; subtrees are never shared between frames.
func (md *Metadata) Copy() *Metadata {
	v, _ := normalize(md.m)
	return &Metadata{m: v.(map[string]any)}
}

func normalize(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("nil value not supported")
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return v, nil
	case bool:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			n, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}
