package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
)

const defaultOllamaHost = "http://localhost:11434"

// Ollama talks to a local Ollama server for both embeddings and generation.
type Ollama struct {
	baseURL         string
	generativeModel string
	embeddingModel  string
	client          *http.Client
}

type OllamaOption func(*Ollama)

func WithOllamaHost(url string) OllamaOption {
	return func(o *Ollama) {
		if url != "" {
			o.baseURL = strings.TrimRight(url, "/")
		}
	}
}

func WithOllamaGenerativeModel(model string) OllamaOption {
	return func(o *Ollama) {
		o.generativeModel = model
	}
}

func WithOllamaEmbeddingModel(model string) OllamaOption {
	return func(o *Ollama) {
		o.embeddingModel = model
	}
}

// WithOllamaHTTPClient replaces the HTTP client, e.g. for tests
func WithOllamaHTTPClient(client *http.Client) OllamaOption {
	return func(o *Ollama) {
		o.client = client
	}
}

func NewOllama(opts ...OllamaOption) *Ollama {
	o := &Ollama{
		baseURL:         defaultOllamaHost,
		generativeModel: "gemma3",
		embeddingModel:  "nomic-embed-text",
		client:          &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Ollama) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return goerr.Wrap(err, "failed to encode ollama request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return goerr.Wrap(err, "failed to build ollama request", goerr.V("path", path))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "ollama request failed", goerr.V("url", req.URL.String()))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return goerr.New("ollama returned an error",
			goerr.V("status", resp.StatusCode), goerr.V("body", string(b)), goerr.V("path", path))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return goerr.Wrap(err, "failed to decode ollama response", goerr.V("path", path))
	}
	return nil
}

func (o *Ollama) Model() string {
	return "ollama/" + o.embeddingModel
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := o.post(ctx, "/api/embeddings", map[string]string{
		"model":  o.embeddingModel,
		"prompt": text,
	}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, goerr.New("ollama returned an empty embedding", goerr.V("model", o.embeddingModel))
	}
	return resp.Embedding, nil
}

type ollamaGenerateRequest struct {
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	System string          `json:"system,omitempty"`
	Format json.RawMessage `json:"format,omitempty"`
	Stream bool            `json:"stream"`
}

func (o *Ollama) Generate(ctx context.Context, req *interfaces.GenerateRequest) (string, error) {
	in := ollamaGenerateRequest{
		Model:  o.generativeModel,
		Prompt: req.Prompt,
		System: req.System,
	}
	if req.Schema != nil {
		raw, err := json.Marshal(req.Schema)
		if err != nil {
			return "", goerr.Wrap(err, "failed to encode response schema")
		}
		in.Format = raw
	}

	var resp struct {
		Response string `json:"response"`
	}
	if err := o.post(ctx, "/api/generate", in, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", goerr.New("ollama returned an empty response", goerr.V("model", o.generativeModel))
	}
	return resp.Response, nil
}
