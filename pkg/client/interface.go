package client

import (
	"context"
)

// VisionClient sends one prompt with an attached page image to a vision
// model and returns its raw text answer.
type VisionClient interface {
	Query(ctx context.Context, model, prompt string, image []byte) (string, error)
}
