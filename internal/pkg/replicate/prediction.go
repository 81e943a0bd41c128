package replicate

import (
	"encoding/json"
	"strings"

	replicatego "github.com/replicate/replicate-go"
)

// Status is the prediction lifecycle vocabulary used by Replicate.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further status change will happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Prediction is a Replicate prediction resource.
type Prediction struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Status  Status          `json:"status"`
	Output  json.RawMessage `json:"output"`
	Error   json.RawMessage `json:"error"`

	source *replicatego.Prediction
}

// Outputs returns the output references. Models answer with either a single
// string or a list of strings.
func (p *Prediction) Outputs() []string {
	if len(p.Output) == 0 || string(p.Output) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(p.Output, &many); err == nil {
		out := many[:0]
		for _, s := range many {
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ErrorMessage returns the backend error as text.
func (p *Prediction) ErrorMessage() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(p.Error))
}
