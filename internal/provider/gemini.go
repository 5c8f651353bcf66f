package provider

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"hempdb/imagegen/internal/imagestore"
)

// GeminiImageAPI is the slice of the genai Models service the adapter uses.
type GeminiImageAPI interface {
	GenerateImages(ctx context.Context, model, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// Gemini generates images with Google's Imagen models through the Gemini
// API. Image bytes come back inline and are uploaded as-is.
type Gemini struct {
	api          GeminiImageAPI
	model        string
	costPerImage float64
	timeout      time.Duration
	uploader     imagestore.Uploader
}

type GeminiOptions struct {
	Model        string
	CostPerImage float64
	Timeout      time.Duration
}

func NewGemini(ctx context.Context, apiKey string, opts GeminiOptions, uploader imagestore.Uploader) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiWithAPI(client.Models, opts, uploader), nil
}

func NewGeminiWithAPI(api GeminiImageAPI, opts GeminiOptions, uploader imagestore.Uploader) *Gemini {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &Gemini{
		api:          api,
		model:        opts.Model,
		costPerImage: opts.CostPerImage,
		timeout:      opts.Timeout,
		uploader:     uploader,
	}
}

func (g *Gemini) Name() string { return NameGemini }

func (g *Gemini) Generate(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.api.GenerateImages(ctx, g.model, composePrompt(req), &genai.GenerateImagesConfig{
		NumberOfImages:   1,
		IncludeRAIReason: true,
	})
	if err != nil {
		return nil, newProviderError(NameGemini, err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, &ProviderError{Provider: NameGemini, Message: "response contained no images"}
	}
	img := resp.GeneratedImages[0]
	if img.Image == nil || len(img.Image.ImageBytes) == 0 {
		msg := "image was filtered"
		if img.RAIFilteredReason != "" {
			msg = "image was filtered: " + img.RAIFilteredReason
		}
		return nil, &ProviderError{Provider: NameGemini, Message: msg, Permanent: true}
	}
	elapsed := time.Since(start)

	contentType := img.Image.MIMEType
	if contentType == "" {
		contentType = "image/png"
	}
	loc, err := g.uploader.Upload(ctx, imagestore.ObjectKey(req.Subject, NameGemini, req.WorkItemID, contentType), img.Image.ImageBytes, contentType)
	if err != nil {
		return nil, &StorageError{Provider: NameGemini, Cost: g.costPerImage, Err: err}
	}
	return &Result{ImageLocation: loc, Cost: g.costPerImage, GenerationTime: elapsed}, nil
}
