package genbatch

import "context"

// ImageRequest is one image generation call.
type ImageRequest struct {
	Model       string
	Prompt      string
	AspectRatio string
	Count       int
}

// VoiceRequest is one text-to-speech call.
type VoiceRequest struct {
	Model  string
	Prompt string
	Voice  string
}

// ImageGenerator performs image generation against the backend.
// Implementations must return one of the sentinel errors (wrapped or
// bare) for failures the scheduler needs to classify; returning fewer
// images than requested is an ErrMalformedResponse.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, apiKey string, req ImageRequest) ([][]byte, error)
}

// VoiceGenerator performs text-to-speech against the backend.
type VoiceGenerator interface {
	GenerateSpeech(ctx context.Context, apiKey string, req VoiceRequest) ([]byte, error)
}
