package modes

import (
	"fmt"
	"strings"

	"github.com/jo-hoe/meshforge/internal/config"
)

// Mode selects the generation trade-off chosen by the caller. Quality runs
// a multi-step structured-generation model, speed a single-step fast one.
type Mode string

const (
	Quality Mode = "quality"
	Speed   Mode = "speed"
)

// Parse maps a user-facing mode string onto a Mode. Empty defaults to
// quality.
func Parse(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Quality):
		return Quality, nil
	case string(Speed):
		return Speed, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Catalog shapes the per-mode model identifier and input payload.
type Catalog struct {
	cfg config.ModesConfig
}

func NewCatalog(cfg config.ModesConfig) Catalog {
	return Catalog{cfg: cfg}
}

// Request returns the model identifier and input payload for one source
// image, encoded as a base64 data URL. The two modes use different field
// sets; both are opaque to everything downstream of the gateway.
func (c Catalog) Request(mode Mode, imageDataURL string) (string, map[string]any, error) {
	if strings.TrimSpace(imageDataURL) == "" {
		return "", nil, fmt.Errorf("image data url is empty")
	}
	switch mode {
	case Quality:
		q := c.cfg.Quality
		return q.Model, map[string]any{
			"images":                 []string{imageDataURL},
			"ss_sampling_steps":      q.SamplingSteps,
			"ss_guidance_strength":   q.GuidanceStrength,
			"slat_sampling_steps":    q.SlatSamplingSteps,
			"slat_guidance_strength": q.SlatGuidanceStrength,
			"mesh_simplify":          q.MeshSimplify,
			"texture_size":           q.TextureSize,
			"generate_model":         true,
		}, nil
	case Speed:
		s := c.cfg.Speed
		return s.Model, map[string]any{
			"image":          imageDataURL,
			"steps":          s.Steps,
			"guidance_scale": s.GuidanceScale,
		}, nil
	}
	return "", nil, fmt.Errorf("unknown mode %q", mode)
}
