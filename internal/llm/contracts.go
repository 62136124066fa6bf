package llm

import "context"

// AttackSubtype is a per-weapon breakdown inside one asset type.
type AttackSubtype struct {
	Subtype           string `json:"subtype"`
	Number            int    `json:"number"`
	AdditionalDetails string `json:"additional_details,omitempty"`
}

// AttackCount is the total for one attacking asset type.
type AttackCount struct {
	Type              string          `json:"type"`
	Number            int             `json:"number"`
	AdditionalDetails string          `json:"additional_details,omitempty"`
	Subtypes          []AttackSubtype `json:"subtypes,omitempty"`
}

// AttackReport is the normalized shape we want from the LLM.
type AttackReport struct {
	Date   string        `json:"date"` // YYYY-MM-DD
	Counts []AttackCount `json:"counts"`
}

// Extraction is the outcome of one model call. Report is nil when the model
// explicitly answered that the text holds no attack data.
type Extraction struct {
	Report *AttackReport
	Raw    string
}

// Extractor is the interface the pipeline depends on.
type Extractor interface {
	Extract(ctx context.Context, messageText string) (Extraction, error)
}
