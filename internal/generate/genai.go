package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GenAI generates structured output with Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// GenAIConfig holds the Gemini client settings.
type GenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint. Empty uses the default.
	BaseURL string
}

// NewGenAI creates a Gemini provider.
func NewGenAI(ctx context.Context, cfg GenAIConfig, logger *slog.Logger) (*GenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logger.Info("GenAI provider configured", "model", cfg.Model)
	return &GenAI{client: client, model: cfg.Model, logger: logger}, nil
}

// Name implements Provider.
func (g *GenAI) Name() string { return "gemini" }

// Generate implements Generator.
func (g *GenAI) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(req.Temperature),
		ResponseMIMEType: "application/json",
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return nil, ErrEmptyResponse
	}

	g.logger.Debug("GenAI generated",
		"session_id", req.SessionID,
		"task", req.Task,
		"bytes", len(text),
	)
	return CleanJSON([]byte(text)), nil
}
