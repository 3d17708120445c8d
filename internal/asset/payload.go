package asset

import (
	"bytes"
	"encoding/json"

	"carryover/internal/domain"
)

// Act is the mutation intent carried by every attribute in a write.
type Act string

const (
	// ActSet replaces the attribute value.
	ActSet Act = "set"
	// ActAdd appends to a multi-valued relation.
	ActAdd Act = "add"
)

// Mutation is one attribute of a create or update request.
type Mutation struct {
	Act   Act `json:"act"`
	Value any `json:"value"`
}

// Payload is an ordered set of attribute mutations. Attributes are only
// present when explicitly put; there is no implicit null.
type Payload struct {
	names []string
	attrs map[string]Mutation
}

func NewPayload() *Payload {
	return &Payload{attrs: map[string]Mutation{}}
}

func (p *Payload) Set(name string, value any) *Payload {
	return p.put(name, Mutation{Act: ActSet, Value: value})
}

func (p *Payload) Add(name string, value any) *Payload {
	return p.put(name, Mutation{Act: ActAdd, Value: value})
}

func (p *Payload) put(name string, m Mutation) *Payload {
	if p.attrs == nil {
		p.attrs = map[string]Mutation{}
	}
	if _, ok := p.attrs[name]; !ok {
		p.names = append(p.names, name)
	}
	p.attrs[name] = m
	return p
}

func (p *Payload) Has(name string) bool {
	_, ok := p.attrs[name]
	return ok
}

func (p *Payload) Get(name string) (Mutation, bool) {
	m, ok := p.attrs[name]
	return m, ok
}

// Names returns attribute names in insertion order.
func (p *Payload) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Map renders the payload attributes as plain JSON-able values.
func (p *Payload) Map() map[string]any {
	out := make(map[string]any, len(p.names))
	for _, name := range p.names {
		m := p.attrs[name]
		out[name] = map[string]any{"act": string(m.Act), "value": m.Value}
	}
	return out
}

// MarshalJSON writes {"Attributes": {...}} keeping insertion order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"Attributes":{`)
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.attrs[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}

// RelationValue is the outbound form of a relation: a bare idref for one
// target, an array of idrefs for several.
func RelationValue(refs []domain.EntityRef) any {
	if len(refs) == 1 {
		return refs[0].String()
	}
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

// AddEach wraps every ref as {"idref": ..., "act": "add"}.
func AddEach(refs []domain.EntityRef) []map[string]string {
	out := make([]map[string]string, len(refs))
	for i, r := range refs {
		out[i] = map[string]string{"idref": r.String(), "act": string(ActAdd)}
	}
	return out
}
