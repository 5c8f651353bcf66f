// Package provider turns prompts into durable images. Every backend sits
// behind the same single-method interface and is picked through a Registry.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"hempdb/imagegen/models"
)

// Provider names.
const (
	NamePlaceholder = "placeholder"
	NameArk         = "ark"
	NameGemini      = "gemini"
	NameGRPC        = "grpc"
)

// Request is everything an adapter may use to render one image.
type Request struct {
	WorkItemID      uuid.UUID
	Subject         models.SubjectKey
	SubjectName     string
	SubjectCategory string
	Prompt          string
	NegativePrompt  string
	StylePreset     string
}

// RequestFor builds a Request from a work item.
func RequestFor(item *models.WorkItem) Request {
	req := Request{
		WorkItemID:      item.ID,
		Subject:         item.SubjectKey(),
		SubjectName:     item.MetaString(models.MetaSubjectName),
		SubjectCategory: item.MetaString(models.MetaSubjectCategory),
		Prompt:          item.Prompt,
	}
	if item.NegativePrompt != nil {
		req.NegativePrompt = *item.NegativePrompt
	}
	if item.StylePreset != nil {
		req.StylePreset = *item.StylePreset
	}
	if req.SubjectName == "" {
		req.SubjectName = req.Subject.ID
	}
	return req
}

// Result is a persisted image. ImageLocation is always a durable reference.
type Result struct {
	ImageLocation  string
	Cost           float64
	GenerationTime time.Duration
}

func (r *Result) GenerationTimeMs() int64 { return r.GenerationTime.Milliseconds() }

// Provider generates one image. Implementations enforce their own request
// timeout and return *ProviderError or *StorageError on failure.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// composePrompt folds style and negative prompt into a single instruction
// for vendors without dedicated fields.
func composePrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Prompt))
	if s := strings.TrimSpace(req.StylePreset); s != "" {
		b.WriteString(" Style: ")
		b.WriteString(s)
		b.WriteString(".")
	}
	if n := strings.TrimSpace(req.NegativePrompt); n != "" {
		b.WriteString(" Avoid: ")
		b.WriteString(n)
		b.WriteString(".")
	}
	return b.String()
}
