package upstream

// GenerateRequest is the Gemini generateContent request payload.
type GenerateRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content is a single turn of a Gemini conversation.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one piece of content within a turn.
type Part struct {
	Text string `json:"text,omitempty"`
}

// GenerationConfig tunes the upstream generation.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// GenerateResponse is the raw upstream response body. The gateway passes it
// through untouched; only light probing (candidate presence) is done here.
type GenerateResponse struct {
	Body []byte
}

// NewVerificationRequest builds the minimal request used to probe whether a
// key is accepted by the upstream.
func NewVerificationRequest() *GenerateRequest {
	return &GenerateRequest{
		Contents: []Content{
			{Role: "user", Parts: []Part{{Text: "hi"}}},
		},
	}
}
