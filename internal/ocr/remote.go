package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/preprocess"
)

// RemoteEngine calls a Mistral-style hosted OCR endpoint over HTTP. Crops go
// up as data URLs so no intermediate object storage is needed.
type RemoteEngine struct {
	url    string
	key    string
	model  string
	client *http.Client
}

func NewRemoteEngine(url, key, model string, client *http.Client) *RemoteEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteEngine{url: url, key: key, model: model, client: client}
}

func (e *RemoteEngine) Name() string { return "remote" }

type remotePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type remoteResponse struct {
	Pages []remotePage `json:"pages"`
}

func (e *RemoteEngine) Recognize(ctx context.Context, req Request) (Result, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Image)
	body := map[string]any{
		"model": e.model,
		"document": map[string]any{
			"type":      "image_url",
			"image_url": dataURL,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+e.key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return Result{}, fmt.Errorf("remote ocr error %d: %s", resp.StatusCode, common.Truncate(string(slurp), 256))
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, err
	}

	var parts []string
	for _, p := range parsed.Pages {
		if md := strings.TrimSpace(p.Markdown); md != "" {
			parts = append(parts, md)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		return Result{}, fmt.Errorf("remote ocr: empty response")
	}

	return Result{
		Text:       text,
		Confidence: 0.5 + 0.5*preprocess.TextQuality(text),
	}, nil
}
