package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"

	"hempdb/imagegen/internal/imagestore"
)

// ArkImageAPI submits one generation request and returns the vendor URL of
// the first image.
type ArkImageAPI interface {
	GenerateImage(ctx context.Context, request model.GenerateImagesRequest) (string, error)
}

// arkRuntime adapts the Ark runtime client to ArkImageAPI.
type arkRuntime struct {
	client *arkruntime.Client
}

func (r arkRuntime) GenerateImage(ctx context.Context, request model.GenerateImagesRequest) (string, error) {
	resp, err := r.client.GenerateImages(ctx, request)
	if err != nil {
		return "", newProviderError(NameArk, err)
	}
	if resp.Error != nil {
		msg := fmt.Sprintf("%s - %s", resp.Error.Code, resp.Error.Message)
		return "", &ProviderError{Provider: NameArk, Message: msg, Permanent: isPermanent(msg)}
	}
	for _, image := range resp.Data {
		if image.Url != nil && *image.Url != "" {
			return *image.Url, nil
		}
	}
	return "", &ProviderError{Provider: NameArk, Message: "response contained no image url"}
}

// Ark generates images with Volcengine Ark (Seedream models). Ark returns a
// short-lived URL which is downloaded and re-uploaded before returning.
type Ark struct {
	api          ArkImageAPI
	model        string
	size         string
	costPerImage float64
	timeout      time.Duration
	uploader     imagestore.Uploader
	httpClient   *http.Client
}

type ArkOptions struct {
	Model        string
	Size         string
	CostPerImage float64
	Timeout      time.Duration
}

func NewArk(apiKey string, opts ArkOptions, uploader imagestore.Uploader) *Ark {
	return NewArkWithAPI(arkRuntime{client: arkruntime.NewClientWithApiKey(apiKey)}, opts, uploader)
}

func NewArkWithAPI(api ArkImageAPI, opts ArkOptions, uploader imagestore.Uploader) *Ark {
	if opts.Size == "" {
		opts.Size = "1024x1024"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	return &Ark{
		api:          api,
		model:        opts.Model,
		size:         opts.Size,
		costPerImage: opts.CostPerImage,
		timeout:      opts.Timeout,
		uploader:     uploader,
		httpClient:   &http.Client{Timeout: opts.Timeout},
	}
}

func (a *Ark) Name() string { return NameArk }

func (a *Ark) Generate(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	imageURL, err := a.api.GenerateImage(ctx, model.GenerateImagesRequest{
		Model:          a.model,
		Prompt:         composePrompt(req),
		Size:           volcengine.String(a.size),
		ResponseFormat: volcengine.String(model.GenerateImagesResponseFormatURL),
		Watermark:      volcengine.Bool(false),
	})
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, newProviderError(NameArk, err)
	}
	elapsed := time.Since(start)

	// The vendor has been paid from here on.
	data, contentType, err := imagestore.Fetch(ctx, a.httpClient, imageURL)
	if err != nil {
		return nil, &StorageError{Provider: NameArk, Cost: a.costPerImage, Err: err}
	}
	loc, err := a.uploader.Upload(ctx, imagestore.ObjectKey(req.Subject, NameArk, req.WorkItemID, contentType), data, contentType)
	if err != nil {
		return nil, &StorageError{Provider: NameArk, Cost: a.costPerImage, Err: err}
	}
	return &Result{ImageLocation: loc, Cost: a.costPerImage, GenerationTime: elapsed}, nil
}
