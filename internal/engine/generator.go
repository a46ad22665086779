package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/jordanhubbard/weft/internal/executor"
	"github.com/jordanhubbard/weft/pkg/models"
)

// ContentGenerator produces a content artifact for a work item from a prompt.
// Implementations wrap whatever backend produces text for the workflow, and a
// failed generation surfaces as a step failure so the workflow checkpoints
// before it and can be retried.
type ContentGenerator interface {
	Generate(ctx context.Context, item *models.WorkItem, prompt string) (string, error)
}

// ContentGeneratorFunc adapts a function to ContentGenerator.
type ContentGeneratorFunc func(ctx context.Context, item *models.WorkItem, prompt string) (string, error)

func (f ContentGeneratorFunc) Generate(ctx context.Context, item *models.WorkItem, prompt string) (string, error) {
	return f(ctx, item, prompt)
}

// GeneratorStep builds a workflow step that asks the generator for content
// and records the artifact into workflow state under "<name>.artifact". The
// step fails when generation fails, leaving the checkpoint at the step before
// it so a retry re-runs only the generation.
func GeneratorStep(name string, gen ContentGenerator, item *models.WorkItem, prompt string) executor.Step {
	return executor.Step{
		Name: name,
		Run: func(ctx context.Context, state map[string]string) (map[string]string, error) {
			artifact, err := gen.Generate(ctx, item, prompt)
			if err != nil {
				return nil, fmt.Errorf("content generation for %s failed: %w", item.ID, err)
			}
			log.Printf("[Engine] Generated %d bytes for item %s step %s", len(artifact), item.ID, name)
			return map[string]string{name + ".artifact": artifact}, nil
		},
	}
}
