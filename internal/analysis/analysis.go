// Package analysis produces a short narrative summary of a reading window
// using a generative language model. Callers treat the summary as optional:
// any failure degrades to Placeholder rather than failing the report.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vvaswani/sugar/internal/store"
)

// Placeholder substitutes for the narrative when the provider is disabled
// or unreachable.
const Placeholder = "Analysis unavailable."

// Summarizer turns a reading window into a short prose summary.
type Summarizer interface {
	Summarize(ctx context.Context, readings []store.Reading) (string, error)
}

// Disabled always reports that no provider is configured.
type Disabled struct{}

func (Disabled) Summarize(context.Context, []store.Reading) (string, error) {
	return "", fmt.Errorf("analysis provider disabled")
}

// buildPrompt renders the readings into the text sent to the model.
func buildPrompt(readings []store.Reading) string {
	var b strings.Builder
	b.WriteString("You are a health data assistant. Summarize the following week of blood glucose readings in 3-4 plain sentences for the patient. Mention the overall trend and anything notable. Do not give medical advice.\n\nReadings:\n")
	for _, r := range readings {
		fmt.Fprintf(&b, "- %s: %.1f (%s)\n", r.CreatedAt.UTC().Format(time.RFC3339), r.Value, r.Type)
	}
	return b.String()
}
