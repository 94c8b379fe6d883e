package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const ollamaTokenCap = 4096

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatReq struct {
	Model    string        `json:"model"`
	Messages []ollamaMsg   `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type ollamaChatResp struct {
	Message         ollamaMsg `json:"message"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Generate(ctx context.Context, prompt string, params Params) (Answer, error) {
	if err := params.validate(prompt); err != nil {
		return Answer{}, err
	}

	reqBody := ollamaChatReq{
		Model:    p.Model,
		Stream:   false,
		Messages: []ollamaMsg{{Role: "user", Content: prompt}},
		Options: ollamaOptions{
			NumPredict:  params.clampTokens(ollamaTokenCap),
			Temperature: params.Temperature,
		},
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return Answer{}, err
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Answer{}, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return Answer{}, statusError(p.Name(), resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: "malformed response", Err: err}
	}
	if decoded.Error != "" {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: decoded.Error}
	}

	return Answer{
		Text:       decoded.Message.Content,
		TokensUsed: decoded.PromptEvalCount + decoded.EvalCount,
		Model:      p.Model,
	}, nil
}

func (p *OllamaProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/tags", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return transportError(p.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(p.Name(), resp.StatusCode, "")
	}
	return nil
}
