package apps

import (
	"encoding/json"

	"syncgate-go/internal/bridge"
	"syncgate-go/internal/capture"
	"syncgate-go/internal/environ"
)

// Environ answers with a JSON dump of the request environment. Byte string
// values are rendered as ISO-8859-1.
type Environ struct{}

// Serve implements bridge.App.
func (Environ) Serve(env *environ.Environment, start capture.StartFunc) (bridge.Chunks, error) {
	dump := make(map[string]any, len(env.Keys()))
	for _, key := range env.Keys() {
		v, _ := env.Get(key)
		switch v := v.(type) {
		case string:
			dump[key] = environ.Latin1(v)
		case bool, int, [2]int:
			dump[key] = v
		}
	}

	body, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := start("200 OK", []capture.Header{{Name: "Content-Type", Value: "application/json"}}, nil); err != nil {
		return nil, err
	}
	return bridge.Bytes(body, []byte("\n")), nil
}
