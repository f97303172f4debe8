package types

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// AsKeyValue reads a two-field record. It accepts the native KeyValue as well
// as the shapes a record takes after a JSON round trip.
func AsKeyValue(item any) (KeyValue, bool) {
	switch v := item.(type) {
	case KeyValue:
		return v, true
	case *KeyValue:
		if v == nil {
			return KeyValue{}, false
		}
		return *v, true
	case []any:
		if len(v) != 2 {
			return KeyValue{}, false
		}
		k, ok := v[0].(string)
		return KeyValue{Key: k, Value: v[1]}, ok
	case []string:
		if len(v) != 2 {
			return KeyValue{}, false
		}
		return KeyValue{Key: v[0], Value: v[1]}, true
	case map[string]any:
		k, ok := v["key"].(string)
		if !ok {
			return KeyValue{}, false
		}
		return KeyValue{Key: k, Value: v["value"]}, true
	}
	return KeyValue{}, false
}

// FirstField returns the string key in the first field of a record.
func FirstField(item any) (string, bool) {
	switch v := item.(type) {
	case []any:
		if len(v) == 0 {
			return "", false
		}
		k, ok := v[0].(string)
		return k, ok
	case []string:
		if len(v) == 0 {
			return "", false
		}
		return v[0], true
	}
	kv, ok := AsKeyValue(item)
	return kv.Key, ok
}

// Items views any slice or array value as []any. nil yields an empty sequence.
func Items(v any) ([]any, error) {
	switch s := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return s, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("not a sequence: %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// AsInt reads an integer count that may have been decoded from JSON as a float.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
