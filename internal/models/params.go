package models

import (
	"fmt"
)

// Dimension and step bounds accepted by the generation backend.
const (
	MinDimension = 64
	MaxDimension = 4096
	MinSteps     = 1
	MaxSteps     = 150

	// Fixed pipeline inputs, not client-tunable.
	MaxSequenceLength  = 512
	NumImagesPerPrompt = 1
)

// GenerationParams is the typed set of inputs handed to the Generator.
// It is validated once at admission and immutable afterwards.
type GenerationParams struct {
	Prompt          string  `json:"prompt"`
	Prompt2         string  `json:"prompt_2,omitempty"`
	NegativePrompt  string  `json:"negative_prompt,omitempty"`
	NegativePrompt2 string  `json:"negative_prompt_2,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Steps           int     `json:"num_inference_steps"`
	GuidanceScale   float64 `json:"guidance_scale"`
	TrueCFGScale    float64 `json:"true_cfg_scale"`
	Seed            uint32  `json:"seed"`

	// SourceImage holds the uploaded image normalized to PNG.
	SourceImage []byte `json:"source_image"`
}

// Validate checks field bounds. Callers apply defaults before validating.
func (p GenerationParams) Validate() error {
	if err := checkDimension("width", p.Width); err != nil {
		return err
	}
	if err := checkDimension("height", p.Height); err != nil {
		return err
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("num_inference_steps must be between %d and %d, got %d", MinSteps, MaxSteps, p.Steps)
	}
	if p.GuidanceScale < 0 {
		return fmt.Errorf("guidance_scale must not be negative, got %g", p.GuidanceScale)
	}
	if p.TrueCFGScale < 0 {
		return fmt.Errorf("true_cfg_scale must not be negative, got %g", p.TrueCFGScale)
	}
	if len(p.SourceImage) == 0 {
		return fmt.Errorf("source image is required")
	}
	return nil
}

func checkDimension(name string, v int) error {
	if v < MinDimension || v > MaxDimension {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, MinDimension, MaxDimension, v)
	}
	if v%8 != 0 {
		return fmt.Errorf("%s must be a multiple of 8, got %d", name, v)
	}
	return nil
}
