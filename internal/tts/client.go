package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Request struct {
	Text      string   `json:"text"`
	Voice     string   `json:"voice,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// Synthesizer turns one piece of text into a wav file.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// HTTPSynthesizer talks to a speech server that accepts a JSON Request on
// POST /v1/tts and answers with audio/wav bytes.
type HTTPSynthesizer struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSynthesizer(baseURL string) *HTTPSynthesizer {
	if baseURL == "" {
		baseURL = "http://localhost:8020"
	}
	return &HTTPSynthesizer{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, r Request) ([]byte, error) {
	if s.Client == nil {
		return nil, errors.New("tts: http client is nil")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/tts", strings.TrimRight(s.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("tts: %s", msg)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(wav) == 0 {
		return nil, errors.New("tts: empty audio")
	}
	return wav, nil
}
