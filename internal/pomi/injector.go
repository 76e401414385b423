package pomi

import (
	"fmt"
	"strings"

	"github.com/agentauth/backend/internal/core"
)

// Injector weaves canary prompts into challenge instructions. The payload's
// answer hash is fixed before injection, so canaries never affect the main
// answer.
type Injector struct {
	catalog *Catalog
}

// NewInjector creates an injector over the catalog.
func NewInjector(catalog *Catalog) *Injector {
	return &Injector{catalog: catalog}
}

// InjectOptions configures a single injection.
type InjectOptions struct {
	Exclude []string
}

// InjectionResult carries the rewritten payload and the canaries placed into
// it, in selection order.
type InjectionResult struct {
	Payload  core.ChallengePayload
	Injected []core.Canary
}

// Inject selects count canaries and appends their prompts to the payload
// instructions. Prefix canaries go before the main instructions; inline,
// suffix, and embedded canaries are listed as side tasks after them.
func (inj *Injector) Inject(payload core.ChallengePayload, count int, opts *InjectOptions) InjectionResult {
	if count <= 0 {
		return InjectionResult{Payload: payload}
	}

	var selectOpts *SelectOptions
	if opts != nil && len(opts.Exclude) > 0 {
		selectOpts = &SelectOptions{Exclude: opts.Exclude}
	}
	selected := inj.catalog.Select(count, selectOpts)
	if len(selected) == 0 {
		return InjectionResult{Payload: payload}
	}

	var prefix, sideTasks []core.Canary
	for _, c := range selected {
		if c.InjectionMethod == core.InjectPrefix {
			prefix = append(prefix, c)
		} else {
			sideTasks = append(sideTasks, c)
		}
	}

	instructions := payload.Instructions
	if len(prefix) > 0 {
		instructions = fmt.Sprintf(
			"Before starting, answer these briefly (include in canary_responses):\n%s\n\n%s",
			promptLines(prefix), instructions)
	}
	if len(sideTasks) > 0 {
		instructions = fmt.Sprintf(
			"%s\n\nAlso, complete these side tasks (include answers in canary_responses field):\n%s",
			instructions, promptLines(sideTasks))
	}

	out := payload
	out.Instructions = instructions
	return InjectionResult{Payload: out, Injected: selected}
}

func promptLines(canaries []core.Canary) string {
	lines := make([]string, len(canaries))
	for i, c := range canaries {
		lines[i] = fmt.Sprintf("- %s: %s", c.ID, c.Prompt)
	}
	return strings.Join(lines, "\n")
}
