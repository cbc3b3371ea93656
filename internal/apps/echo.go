package apps

import (
	"io"

	"syncgate-go/internal/bridge"
	"syncgate-go/internal/capture"
	"syncgate-go/internal/environ"
)

// Echo answers every request with its own body.
type Echo struct{}

// Serve implements bridge.App.
func (Echo) Serve(env *environ.Environment, start capture.StartFunc) (bridge.Chunks, error) {
	body, err := io.ReadAll(env.Input)
	if err != nil {
		return nil, err
	}

	contentType := env.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := start("200 OK", []capture.Header{{Name: "Content-Type", Value: contentType}}, nil); err != nil {
		return nil, err
	}
	return bridge.Bytes(body), nil
}
