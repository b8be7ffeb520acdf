package convert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrUntaggable reports a configuration that is neither an object nor a
// single-element array holding one.
var ErrUntaggable = errors.New("configuration has no taggable outbound")

const outboundTagPrefix = "x_"

// OutboundTag derives the stable outbound tag for a link identifier.
func OutboundTag(id int64) string {
	return outboundTagPrefix + strconv.FormatInt(id, 36)
}

// InjectTag sets the root "tag" field of a converted configuration and
// returns it re-encoded with sorted keys. Numbers keep their literal text.
// A single-object array is unwrapped so the tag always sits at the root,
// where the canonical digest ignores it.
func InjectTag(raw []byte, tag string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("decode configuration: %w", err)
	}

	switch v := doc.(type) {
	case map[string]any:
		v["tag"] = tag
	case []any:
		obj, ok := singleObject(v)
		if !ok {
			return "", ErrUntaggable
		}
		obj["tag"] = tag
		doc = obj
	default:
		return "", ErrUntaggable
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("encode configuration: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func singleObject(items []any) (map[string]any, bool) {
	if len(items) != 1 {
		return nil, false
	}
	obj, ok := items[0].(map[string]any)
	return obj, ok
}
