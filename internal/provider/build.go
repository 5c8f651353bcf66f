package provider

import (
	"context"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/config"
	"hempdb/imagegen/internal/imagestore"
)

// Build creates the registry from configuration. Providers that are
// disabled or lack credentials are listed as unavailable; they never stop
// startup.
func Build(ctx context.Context, cfgs []config.ProviderConfig, uploader imagestore.Uploader, log logrus.FieldLogger) *Registry {
	reg := NewRegistry(NewPlaceholder())
	for _, c := range cfgs {
		entry := log.WithField("provider", c.Name)
		if !c.Enabled {
			reg.MarkUnavailable(c.Name, c.Quality, "disabled")
			continue
		}
		switch c.Name {
		case NameArk:
			if c.APIKey == "" {
				reg.MarkUnavailable(c.Name, c.Quality, "missing ARK_API_KEY")
				continue
			}
			reg.Register(NewArk(c.APIKey, ArkOptions{
				Model:        c.Model,
				Size:         c.Size,
				CostPerImage: c.CostPerImage,
				Timeout:      c.Timeout,
			}, uploader), c.Quality, c.CostPerImage)
		case NameGemini:
			if c.APIKey == "" {
				reg.MarkUnavailable(c.Name, c.Quality, "missing GEMINI_API_KEY")
				continue
			}
			g, err := NewGemini(ctx, c.APIKey, GeminiOptions{
				Model:        c.Model,
				CostPerImage: c.CostPerImage,
				Timeout:      c.Timeout,
			}, uploader)
			if err != nil {
				entry.WithError(err).Warn("Provider could not be initialized")
				reg.MarkUnavailable(c.Name, c.Quality, err.Error())
				continue
			}
			reg.Register(g, c.Quality, c.CostPerImage)
		case NameGRPC:
			g, err := NewGRPC(c.Address, GRPCOptions{
				Model:        c.Model,
				CostPerImage: c.CostPerImage,
				Timeout:      c.Timeout,
			}, uploader)
			if err != nil {
				entry.WithError(err).Warn("Provider could not be initialized")
				reg.MarkUnavailable(c.Name, c.Quality, err.Error())
				continue
			}
			reg.Register(g, c.Quality, c.CostPerImage)
		default:
			reg.MarkUnavailable(c.Name, c.Quality, "unknown provider")
			continue
		}
		entry.WithField("quality", c.Quality).Info("Provider registered")
	}
	return reg
}
