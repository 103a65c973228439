package consent

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jmespath/go-jmespath"
)

// ErrMalformedPayload is reported when a CMP answers with data that does not
// have the expected shape.
var ErrMalformedPayload = errors.New("malformed consent payload")

// Endpoint is the CMP bridge for one framework (__gpp, __tcfapi, __uspapi).
// The callback may be invoked more than once and from any goroutine.
type Endpoint interface {
	Call(command string, version int, cb func(payload []byte, success bool))
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(command string, version int, cb func(payload []byte, success bool))

func (f EndpointFunc) Call(command string, version int, cb func(payload []byte, success bool)) {
	f(command, version, cb)
}

// Provider queries one consent framework. Report is called with ok=false when
// the framework is absent or its answer is unusable, and at most once with
// ok=true.
type Provider interface {
	Source() Source
	Query(report func(st State, ok bool))
}

// document is a decoded JSON payload queried with JMESPath expressions.
type document struct {
	data interface{}
}

func decode(payload []byte) (document, error) {
	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := data.(map[string]interface{}); !ok {
		return document{}, fmt.Errorf("%w: expected object", ErrMalformedPayload)
	}
	return document{data: data}, nil
}

func (d document) search(expr string) interface{} {
	v, err := jmespath.Search(expr, d.data)
	if err != nil {
		return nil
	}
	return v
}

func (d document) str(expr string) string {
	s, _ := d.search(expr).(string)
	return s
}

// truthy follows the CMP convention that consent maps hold booleans, and that
// opt-out flags are numeric.
func (d document) truthy(expr string) bool {
	switch v := d.search(expr).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	}
	return false
}

func (d document) number(expr string) (float64, bool) {
	v, ok := d.search(expr).(float64)
	return v, ok
}

func (d document) ints(expr string) []int {
	raw, ok := d.search(expr).([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
