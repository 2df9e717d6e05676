package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	defaultGeminiBaseURL      = "https://generativelanguage.googleapis.com"
	defaultGeminiCaptionModel = "gemini-2.5-flash"

	// Captions shorter than this are treated as a failed description.
	minCaptionLength = 10
)

const synthesisPrompt = `Virtual try-on for a fashion e-commerce catalogue.
Produce a photo of the person in IMAGE 1 wearing exactly the garment shown in IMAGE 2.
Keep every colour, print, logo and texture of the garment unchanged.
Keep the person's face, skin tone, hair and body shape unchanged.
Drape the fabric naturally to the pose, with realistic folds and highlights.
Remove the original clothing cleanly; skin and fabric edges must look photographic.
Return the synthesized image.`

const descriptionPrompt = `Look at this garment and write ONE short sentence (at most 25 words) in Brazilian Portuguese
describing the virtual try-on result: its main colours, any print or logo that was carried over,
and how the fabric follows the body. Reply with the sentence only, without quotes or markdown.`

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey       string
	BaseURL      string
	CaptionModel string
	HTTPClient   *http.Client
}

// Gemini calls the Google Generative Language REST API.
type Gemini struct {
	cfg    GeminiConfig
	client *http.Client
}

// NewGemini creates the adapter. The HTTP client has no timeout of its own:
// a generation call takes as long as the provider needs.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.CaptionModel == "" {
		cfg.CaptionModel = defaultGeminiCaptionModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Gemini{cfg: cfg, client: client}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiInline struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiInlineResponse struct {
	MIMEType      string `json:"mimeType"`
	MIMETypeSnake string `json:"mime_type"`
	Data          string `json:"data"`
}

func (i *geminiInlineResponse) mime() string {
	if i.MIMEType != "" {
		return i.MIMEType
	}
	return i.MIMETypeSnake
}

// geminiResponsePart accepts both the camelCase and snake_case spellings the
// API has been seen to return.
type geminiResponsePart struct {
	Text            string                `json:"text"`
	InlineData      *geminiInlineResponse `json:"inlineData"`
	InlineDataSnake *geminiInlineResponse `json:"inline_data"`
}

type geminiResponse struct {
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Candidates []struct {
		FinishReason string `json:"finishReason"`
		Content      struct {
			Parts []geminiResponsePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func inline(img Image) *geminiInline {
	mime := img.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return &geminiInline{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(img.Data)}
}

// Generate asks model for the try-on composite.
func (g *Gemini) Generate(ctx context.Context, model string, in Images) (Result, error) {
	req := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: synthesisPrompt},
				{InlineData: inline(in.Subject)},
				{InlineData: inline(in.Garment)},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	resp, err := g.call(ctx, model, req)
	if err != nil {
		return Result{}, err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Result{}, &Failure{Kind: KindSafetyBlocked, Provider: g.Name(), Model: model, Status: http.StatusOK, Detail: "prompt blocked: " + resp.PromptFeedback.BlockReason}
	}
	if len(resp.Candidates) == 0 {
		return Result{}, &Failure{Kind: KindNoResult, Provider: g.Name(), Model: model, Status: http.StatusOK, Detail: "no candidates"}
	}

	cand := resp.Candidates[0]
	var notes []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			notes = append(notes, strings.TrimSpace(p.Text))
		}
		img := p.InlineData
		if img == nil {
			img = p.InlineDataSnake
		}
		if img == nil || img.Data == "" {
			continue
		}
		mime := img.mime()
		if !strings.HasPrefix(mime, "image/") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return Result{}, &Failure{Kind: KindNoResult, Provider: g.Name(), Model: model, Status: http.StatusOK, Detail: "undecodable image payload", Err: err}
		}
		return Result{Image: Image{Data: data, MIMEType: mime}, Note: strings.Join(notes, " ")}, nil
	}

	if strings.Contains(cand.FinishReason, "SAFETY") {
		return Result{}, &Failure{Kind: KindSafetyBlocked, Provider: g.Name(), Model: model, Status: http.StatusOK, Detail: "finish reason " + cand.FinishReason}
	}
	return Result{}, &Failure{Kind: KindNoResult, Provider: g.Name(), Model: model, Status: http.StatusOK, Detail: "no image part, finish reason " + cand.FinishReason}
}

// Describe captions the garment with the text model.
func (g *Gemini) Describe(ctx context.Context, garment Image) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: descriptionPrompt},
				{InlineData: inline(garment)},
			},
		}},
	}

	resp, err := g.call(ctx, g.cfg.CaptionModel, req)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty description response")
	}
	text := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if utf8.RuneCountInString(text) <= minCaptionLength {
		return "", fmt.Errorf("description too short: %q", text)
	}
	return text, nil
}

func (g *Gemini) call(ctx context.Context, model string, body geminiRequest) (*geminiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(g.cfg.BaseURL, "/"), model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Failure{Kind: KindTransient, Provider: g.Name(), Model: model, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		text := string(raw)
		return nil, &Failure{
			Kind:     ClassifyStatus(resp.StatusCode, text),
			Provider: g.Name(),
			Model:    model,
			Status:   resp.StatusCode,
			Detail:   truncate(text, 300),
		}
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Failure{Kind: KindNoResult, Provider: g.Name(), Model: model, Status: resp.StatusCode, Detail: "decode response", Err: err}
	}
	return &out, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
