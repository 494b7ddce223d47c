package engine

import (
	"fmt"

	"github.com/babushkai/agentorchestrators/internal/domain"
)

// ValidateDefinition checks a WorkflowDefinition's structural and condition
// invariants at load time, before any execution is created from it:
// depends_on references resolve, every dependency is listed before the step
// that needs it (the engine makes a single forward pass in listed order),
// the dependency graph has no cycles, and every CONDITIONAL step's
// expression parses against the closed grammar.
func ValidateDefinition(def *domain.WorkflowDefinition) error {
	ids := make(map[string]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		if s.StepID == "" {
			return fmt.Errorf("step with empty step_id")
		}
		if _, dup := ids[s.StepID]; dup {
			return fmt.Errorf("duplicate step_id %q", s.StepID)
		}
		ids[s.StepID] = struct{}{}
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("step %q depends on undefined step %q", s.StepID, dep)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("step %q is listed before its dependency %q: steps must be ordered consistently with depends_on", s.StepID, dep)
			}
		}
		seen[s.StepID] = struct{}{}
		if s.StepType == domain.StepConditional && s.Condition != "" {
			if err := ValidateCondition(s.Condition); err != nil {
				return fmt.Errorf("step %q condition: %w", s.StepID, err)
			}
		}
		for _, child := range s.Children {
			if child.StepType == domain.StepConditional && child.Condition != "" {
				if err := ValidateCondition(child.Condition); err != nil {
					return fmt.Errorf("step %q child %q condition: %w", s.StepID, child.StepID, err)
				}
			}
		}
	}

	if _, err := buildDAG(def.Steps); err != nil {
		return err
	}
	return nil
}
