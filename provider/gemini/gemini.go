// Package gemini adapts the Google generative language API to the
// genbatch generator interfaces: Imagen prediction for images and the
// audio response modality of generateContent for speech.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voragen/genbatch"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client calls the Gemini API for both services.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var (
	_ genbatch.ImageGenerator = (*Client)(nil)
	_ genbatch.VoiceGenerator = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Gemini client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Imagen API types.
type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
	} `json:"predictions"`
}

// GenerateImages generates req.Count images for one prompt. Receiving
// fewer images than requested is a malformed response: the whole call
// fails rather than returning a partial batch.
func (c *Client) GenerateImages(ctx context.Context, apiKey string, req genbatch.ImageRequest) ([][]byte, error) {
	body := predictRequest{
		Instances: []predictInstance{{Prompt: req.Prompt}},
		Parameters: predictParameters{
			SampleCount: req.Count,
			AspectRatio: req.AspectRatio,
		},
	}
	url := fmt.Sprintf("%s/models/%s:predict?key=%s", c.baseURL, req.Model, apiKey)

	httpResp, err := c.doRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp predictResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode predict response: %v", genbatch.ErrMalformedResponse, err)
	}

	if len(resp.Predictions) < req.Count {
		return nil, fmt.Errorf("%w: got %d of %d images", genbatch.ErrMalformedResponse, len(resp.Predictions), req.Count)
	}

	images := make([][]byte, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		if p.BytesBase64Encoded == "" {
			return nil, fmt.Errorf("%w: prediction without image bytes", genbatch.ErrMalformedResponse)
		}
		raw, err := base64.StdEncoding.DecodeString(p.BytesBase64Encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: decode image bytes: %v", genbatch.ErrMalformedResponse, err)
		}
		images = append(images, raw)
	}
	return images, nil
}

// TTS API types.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				InlineData struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateSpeech synthesizes one prompt with the given prebuilt voice.
func (c *Client) GenerateSpeech(ctx context.Context, apiKey string, req genbatch.VoiceRequest) ([]byte, error) {
	body := generateRequest{
		Contents: []content{{Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: req.Voice},
				},
			},
		},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, apiKey)

	httpResp, err := c.doRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode tts response: %v", genbatch.ErrMalformedResponse, err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty tts candidates", genbatch.ErrMalformedResponse)
	}
	data := resp.Candidates[0].Content.Parts[0].InlineData.Data
	if data == "" {
		return nil, fmt.Errorf("%w: tts response without audio bytes", genbatch.ErrMalformedResponse)
	}

	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode audio bytes: %v", genbatch.ErrMalformedResponse, err)
	}
	return audio, nil
}

func (c *Client) doRequest(ctx context.Context, url string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("genbatch: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("genbatch: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", genbatch.ErrBackendUnavailable, err)
	}

	return resp, nil
}

// mapHTTPError translates status codes to the typed sentinels. This is
// the only place response text is inspected: the API reports bad keys
// as 400 INVALID_ARGUMENT, so those are promoted to auth failures here
// and the core never has to match on messages.
func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return genbatch.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return genbatch.ErrAuthFailed
	case http.StatusBadRequest:
		if strings.Contains(string(body), "API key") {
			return genbatch.ErrAuthFailed
		}
		return fmt.Errorf("%w: %s", genbatch.ErrInvalidRequest, string(body))
	default:
		return genbatch.ErrBackendUnavailable
	}
}
