package persistence

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/petrijr/flowcore/pkg/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// document is the persisted form of a context's payload.
type document struct {
	Business api.Data `json:"business"`
	Meta     api.Meta `json:"meta"`
}

// EncodeContext serializes the business data and metadata of fc as one
// JSON document.
func EncodeContext(fc *api.FlowContext) ([]byte, error) {
	return json.Marshal(document{Business: fc.Data, Meta: fc.Meta})
}

// DecodeContext restores the business data and metadata of fc from raw.
// Numbers decode as float64.
func DecodeContext(raw []byte, fc *api.FlowContext) error {
	if len(raw) == 0 {
		fc.Data = api.Data{}
		return nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc.Business == nil {
		doc.Business = api.Data{}
	}
	fc.Data = doc.Business
	fc.Meta = doc.Meta
	return nil
}

// EncodeStrings serializes a string list, used for trace context pools.
func EncodeStrings(v []string) ([]byte, error) {
	if v == nil {
		v = []string{}
	}
	return json.Marshal(v)
}

// DecodeStrings is the inverse of EncodeStrings.
func DecodeStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// copyContext deep-copies fc through the codec so stored values never
// alias caller memory.
func copyContext(fc *api.FlowContext) (*api.FlowContext, error) {
	raw, err := EncodeContext(fc)
	if err != nil {
		return nil, err
	}
	out := *fc
	if err := DecodeContext(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
