package asset

import (
	"bytes"
	"encoding/json"
	"fmt"

	"carryover/internal/domain"
)

type wireAttribute struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type wireAsset struct {
	ID         string                   `json:"id"`
	Attributes map[string]wireAttribute `json:"Attributes"`
}

type wireAssets struct {
	Total  int         `json:"total"`
	Assets []wireAsset `json:"Assets"`
}

func (w wireAsset) entity() (domain.SourceEntity, error) {
	ref, err := domain.ParseRef(w.ID)
	if err != nil {
		return domain.SourceEntity{}, fmt.Errorf("decode asset: %w", err)
	}
	attrs := make(map[string]domain.AttributeValue, len(w.Attributes))
	for name, a := range w.Attributes {
		attrs[name] = DecodeValue(a.Value)
	}
	return domain.SourceEntity{Ref: ref, Attributes: attrs}, nil
}

// DecodeValue turns a wire attribute value into the internal union. A bare
// {idref} and a list of them both become a relation sequence; entries whose
// idref is null are dropped.
func DecodeValue(raw json.RawMessage) domain.AttributeValue {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return domain.Null()
	}
	switch raw[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return domain.Null()
		}
		if _, ok := obj["idref"]; ok {
			return domain.Relation(refsOf([]any{obj})...)
		}
		return domain.Scalar(obj)
	case '[':
		var items []any
		if err := json.Unmarshal(raw, &items); err != nil {
			return domain.Null()
		}
		if len(items) == 0 {
			return domain.Relation()
		}
		if _, isObj := items[0].(map[string]any); isObj {
			return domain.Relation(refsOf(items)...)
		}
		tags := make([]string, 0, len(items))
		for _, it := range items {
			if it == nil {
				continue
			}
			if s, ok := it.(string); ok {
				tags = append(tags, s)
				continue
			}
			tags = append(tags, fmt.Sprint(it))
		}
		return domain.Tags(tags...)
	default:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return domain.Null()
		}
		return domain.Scalar(v)
	}
}

func refsOf(items []any) []domain.EntityRef {
	var refs []domain.EntityRef
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		id, _ := obj["idref"].(string)
		if id == "" {
			continue
		}
		ref, err := domain.ParseRef(id)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}
