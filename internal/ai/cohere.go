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

const cohereTokenCap = 4096

type CohereProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type cohereChatReq struct {
	Model       string  `json:"model"`
	Message     string  `json:"message"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type cohereChatResp struct {
	Text string `json:"text"`
	Meta struct {
		BilledUnits struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

type cohereErrResp struct {
	Message string `json:"message"`
}

func NewCohereProvider(baseURL, apiKey, model string, timeout time.Duration) *CohereProvider {
	if baseURL == "" {
		baseURL = "https://api.cohere.ai"
	}
	if model == "" {
		model = "command-r"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CohereProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *CohereProvider) Name() string { return "cohere" }

func (p *CohereProvider) Generate(ctx context.Context, prompt string, params Params) (Answer, error) {
	if err := params.validate(prompt); err != nil {
		return Answer{}, err
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindInvalidCredentials, Msg: "api key is required"}
	}

	reqBody := cohereChatReq{
		Model:       p.Model,
		Message:     prompt,
		MaxTokens:   params.clampTokens(cohereTokenCap),
		Temperature: params.Temperature,
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return Answer{}, err
	}

	url := fmt.Sprintf("%s/v1/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return Answer{}, transportError(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		var decoded cohereErrResp
		if json.Unmarshal(body, &decoded) == nil && decoded.Message != "" {
			msg = decoded.Message
		}
		return Answer{}, statusError(p.Name(), resp.StatusCode, msg)
	}

	var decoded cohereChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: "malformed response", Err: err}
	}
	if decoded.Text == "" {
		return Answer{}, &GenerationError{Provider: p.Name(), Kind: KindUnavailable, Msg: "empty response"}
	}

	return Answer{
		Text:       decoded.Text,
		TokensUsed: decoded.Meta.BilledUnits.InputTokens + decoded.Meta.BilledUnits.OutputTokens,
		Model:      p.Model,
	}, nil
}

// Ping checks reachability and credentials without generating anything.
func (p *CohereProvider) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/models?page_size=1", p.BaseURL)
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
