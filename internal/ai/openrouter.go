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

const openRouterTokenCap = 8192

// OpenRouterProvider routes generations through openrouter.ai, which fronts
// many hosted models behind one OpenAI-shaped API.
type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string // optional attribution headers openrouter asks for
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model       string          `json:"model"`
	Messages    []openRouterMsg `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string, timeout time.Duration) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

func (p *OpenRouterProvider) Generate(ctx context.Context, prompt string, params Params) (Answer, error) {
	if err := params.validate(prompt); err != nil {
		return Answer{}, err
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindInvalidCredentials, Msg: "api key is required"}
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: "model is required"}
	}

	reqBody := openRouterChatReq{
		Model:       model,
		Stream:      false,
		Messages:    []openRouterMsg{{Role: "user", Content: prompt}},
		MaxTokens:   params.clampTokens(openRouterTokenCap),
		Temperature: params.Temperature,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return Answer{}, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Answer{}, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return Answer{}, statusError(p.Name(), resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: "malformed response", Err: err}
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: decoded.Error.Message}
	}
	if len(decoded.Choices) == 0 {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: "empty response"}
	}

	return Answer{
		Text:       decoded.Choices[0].Message.Content,
		TokensUsed: decoded.Usage.PromptTokens + decoded.Usage.CompletionTokens,
		Model:      model,
	}, nil
}

func (p *OpenRouterProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/models", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

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
