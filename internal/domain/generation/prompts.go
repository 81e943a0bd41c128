package generation

import "strings"

// Replicate model versions.
const (
	VersionSDXLControlNet = "39ed52f2a78e934b3ba6e2a89f5b1c712de7dfea535525255b1aa35c5565e08b"
	VersionSDInpainting   = "c75ecf2a1022c7448c06b419ca32b8fe1f6152c1d3ff822c50fa2c71e18c8f81"

	ModelSDXLControlNet = "sdxl-controlnet"
	ModelSDInpainting   = "stable-diffusion-inpainting"
)

const (
	defaultNegativePrompt   = "blurry, distorted, low quality, artifacts, oversaturated, unrealistic, poor lighting, bad composition"
	defaultDesignSuffix     = "professional interior design, high quality, detailed, realistic, well-lit"
	stagingSuffix           = "fully furnished room, interior design, furniture, decorations, complete room staging, professional photography"
	stagingNegativePrompt   = "empty room, blank walls, no furniture, incomplete"
	removalPrompt           = "clean empty space, natural continuation, seamless fill"
	removalNegativePrompt   = "objects, furniture, artifacts"
	freestyleSuffix         = "interior design, professional photography, high quality, detailed"
	freestyleNegativePrompt = "blurry, distorted, low quality, unrealistic"
	materialSuffix          = "same room layout, new colors and materials, realistic textures, professional interior photography"

	defaultCreativeFreedom = 0.5
)

// joinPrompt joins non-empty fragments with ", ".
func joinPrompt(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func negativeWith(base, extra string) string {
	return joinPrompt(base, extra)
}

func creativeFreedom(p Params) float64 {
	if p.CreativeFreedom <= 0 {
		return defaultCreativeFreedom
	}
	return p.CreativeFreedom
}

// designInput serves vision_3d and redesign_2d: ControlNet keeps the room
// geometry while the style reworks the rest.
func designInput(p Params) map[string]interface{} {
	prompt := joinPrompt(p.StyleKeywords, p.Prompt)
	if strings.TrimSpace(p.Prompt) == "" {
		prompt = joinPrompt(p.StyleKeywords, defaultDesignSuffix)
	}
	return map[string]interface{}{
		"image":                         p.InputImageURL,
		"prompt":                        prompt,
		"negative_prompt":               negativeWith(defaultNegativePrompt, p.NegativePrompt),
		"num_outputs":                   1,
		"guidance_scale":                7.5,
		"num_inference_steps":           50,
		"controlnet_conditioning_scale": creativeFreedom(p),
	}
}

func stagingInput(p Params) map[string]interface{} {
	return map[string]interface{}{
		"image":                         p.InputImageURL,
		"prompt":                        joinPrompt(p.StyleKeywords, p.Prompt, stagingSuffix),
		"negative_prompt":               negativeWith(stagingNegativePrompt, p.NegativePrompt),
		"num_outputs":                   1,
		"guidance_scale":                8,
		"num_inference_steps":           60,
		"controlnet_conditioning_scale": 0.8,
	}
}

func freestyleInput(p Params) map[string]interface{} {
	return map[string]interface{}{
		"prompt":              joinPrompt(p.StyleKeywords, p.Prompt, freestyleSuffix),
		"negative_prompt":     negativeWith(freestyleNegativePrompt, p.NegativePrompt),
		"num_outputs":         1,
		"guidance_scale":      7.5,
		"num_inference_steps": 50,
	}
}

// removalInput describes what should fill the removed area; the user prompt
// names the object to take out.
func removalInput(p Params) map[string]interface{} {
	prompt := removalPrompt
	if strings.TrimSpace(p.Prompt) != "" {
		prompt = joinPrompt(removalPrompt, "without "+strings.TrimSpace(p.Prompt))
	}
	return map[string]interface{}{
		"image":           p.InputImageURL,
		"prompt":          prompt,
		"negative_prompt": negativeWith(removalNegativePrompt, p.NegativePrompt),
		"num_outputs":     1,
	}
}

func materialInput(p Params) map[string]interface{} {
	return map[string]interface{}{
		"image":                         p.InputImageURL,
		"prompt":                        joinPrompt(p.Prompt, p.StyleKeywords, materialSuffix),
		"negative_prompt":               negativeWith(defaultNegativePrompt, p.NegativePrompt),
		"num_outputs":                   1,
		"guidance_scale":                7.5,
		"num_inference_steps":           50,
		"controlnet_conditioning_scale": creativeFreedom(p),
	}
}
