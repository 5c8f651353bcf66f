package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"
)

// PlaceholderBaseURL serves the generated placeholder images.
const PlaceholderBaseURL = "https://placehold.co"

var placeholderPalette = []string{"2d5016", "4a7c2a", "6b8e23", "556b2f", "8fbc8f", "3b5323", "228b22", "7c9a5e"}

// Placeholder derives a stable image reference from the subject name and
// category. It never touches the network and always succeeds.
type Placeholder struct {
	BaseURL string
}

func NewPlaceholder() *Placeholder { return &Placeholder{BaseURL: PlaceholderBaseURL} }

func (p *Placeholder) Name() string { return NamePlaceholder }

func (p *Placeholder) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	return &Result{
		ImageLocation:  p.URL(req.SubjectName, req.SubjectCategory),
		Cost:           0,
		GenerationTime: time.Since(start),
	}, nil
}

// URL is the placeholder location for a name and category.
func (p *Placeholder) URL(name, category string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(category) + "|" + strings.ToLower(name)))
	bg := placeholderPalette[h.Sum32()%uint32(len(placeholderPalette))]

	label := strings.TrimSpace(name)
	if label == "" {
		label = "Hemp"
	}
	base := p.BaseURL
	if base == "" {
		base = PlaceholderBaseURL
	}
	return fmt.Sprintf("%s/1024x1024/%s/ffffff/png?text=%s", strings.TrimRight(base, "/"), bg, url.QueryEscape(label))
}

// IsPlaceholderLocation reports whether a stored image URL came from the
// placeholder provider.
func IsPlaceholderLocation(loc string) bool {
	return strings.HasPrefix(loc, PlaceholderBaseURL+"/")
}
