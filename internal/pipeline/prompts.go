package pipeline

import (
	"fmt"
	"strings"

	"forgeflow/internal/assembler"
	"forgeflow/internal/llm"
)

const analyzerPrompt = `You are the Analysis Agent. Break the user's request into a precise, actionable implementation plan.

YOUR OUTPUT MUST INCLUDE:
- What the user is actually asking for, in one or two sentences
- The files that need to change and why, referencing the provided project context
- Data structures, functions, and edge cases the implementation must cover
- Anything in the known-issues list that this change should also resolve

Be concrete and specific to the provided code. Never output code in this stage, only the plan.`

const generatorPrompt = `You are the Generation Agent. Implement the plan you are given as complete, production-ready code.

ABSOLUTE RULES:
1. NEVER output demo code, mock data, placeholder content, or TODO comments
2. Include ALL imports, error handling, types, and edge cases
3. Every function must be fully implemented, zero empty bodies
4. Follow the conventions visible in the provided project context
5. When revising after review feedback, address every point in the feedback`

const qualityPrompt = `You are the Quality Review Agent. Review the generated code against the user's request and the implementation plan.

If the code fully satisfies the request and has no defects, reply with the single word APPROVED on the first line, optionally followed by brief notes.

Otherwise, DO NOT approve. List every problem as a bullet, most severe first:
- Missing functionality the request asked for
- Bugs, unhandled errors, or edge cases
- Deviations from the conventions in the project context

Be strict. Approving broken code wastes a pipeline run.`

const engineerPrompt = `You are the Hardening Agent. Take the reviewed code and make it production-ready: tighten error handling, remove dead paths, and close the gaps the review identified.

FORMAT YOUR ENTIRE OUTPUT EXACTLY LIKE THIS:

<<SUMMARY>>
One paragraph describing the final change set.
<<END_SUMMARY>>
<<FILE: path/to/file.ext>>
<<FILE_SUMMARY>>
One sentence on what changed in this file.
<<END_FILE_SUMMARY>>
<<UPDATED_CONTENT>>
the complete file content
<<END_UPDATED_CONTENT>>
<<END_FILE>>

Repeat the FILE block for every touched file. Output the COMPLETE content of each file, never a fragment. If no changes are needed, output exactly <<NO_CHANGES>> instead.`

const validatorPrompt = `You are the Validation Agent. Assess the final hardened output for completeness, correctness, and production readiness.

YOUR OUTPUT MUST INCLUDE:
- A line of the exact form "Quality Score: N" where N is an integer from 0 to 100
- What the change set does well
- Missing features, if any, each on its own bullet starting with "- Missing:"
- Recommended improvements, each on its own bullet starting with "- Improve:"`

// DefaultAgents returns the built-in five-stage agent set.
func DefaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			Name:         "Analyzer",
			Role:         RoleAnalyzer,
			ModelID:      llm.DefaultModel,
			Temperature:  0.3,
			SystemPrompt: analyzerPrompt,
			MaxRetries:   0,
		},
		{
			Name:         "Generator",
			Role:         RoleGenerator,
			ModelID:      llm.DefaultModel,
			Temperature:  0.7,
			SystemPrompt: generatorPrompt,
			MaxRetries:   3,
		},
		{
			Name:         "Quality Checker",
			Role:         RoleQualityChecker,
			ModelID:      llm.DefaultModel,
			Temperature:  0.2,
			SystemPrompt: qualityPrompt,
			MaxRetries:   0,
		},
		{
			Name:         "Engineer",
			Role:         RoleEngineer,
			ModelID:      llm.DefaultModel,
			Temperature:  0.4,
			SystemPrompt: engineerPrompt,
			MaxRetries:   0,
		},
		{
			Name:         "Validator",
			Role:         RoleValidator,
			ModelID:      llm.DefaultModel,
			Temperature:  0.2,
			SystemPrompt: validatorPrompt,
			MaxRetries:   0,
		},
	}
}

// stageDisplayName maps a role to the name shown in stage records.
func stageDisplayName(role AgentRole) string {
	switch role {
	case RoleAnalyzer:
		return "Analyze"
	case RoleGenerator:
		return "Generate"
	case RoleQualityChecker:
		return "Quality Check"
	case RoleEngineer:
		return "Harden"
	case RoleValidator:
		return "Validate"
	}
	return string(role)
}

// Stage input builders. Each stage sees exactly what it needs from the
// run so far; the system prompt carries the role instructions.

func buildAnalyzeInput(req RunRequest, payload assembler.Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n", req.UserPrompt)
	if payload.AggregatedText != "" {
		fmt.Fprintf(&b, "\nProject context (%s):\n%s\n", req.ContextMode, payload.AggregatedText)
	} else {
		fmt.Fprintf(&b, "\nProject context: none provided (mode %s).\n", req.ContextMode)
	}
	if req.KnownIssues != "" {
		fmt.Fprintf(&b, "\nKnown outstanding issues:\n%s\n", req.KnownIssues)
	}
	return b.String()
}

func buildGenerateInput(req RunRequest, analysis, previousCode, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\nImplementation plan:\n%s\n", req.UserPrompt, analysis)
	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected. Reviewer feedback:\n%s\n", feedback)
		fmt.Fprintf(&b, "\nPrevious attempt:\n%s\n\nProduce a corrected, complete version.\n", previousCode)
	}
	return b.String()
}

func buildQualityInput(req RunRequest, analysis, code string) string {
	return fmt.Sprintf("User request:\n%s\n\nImplementation plan:\n%s\n\nGenerated code to review:\n%s\n",
		req.UserPrompt, analysis, code)
}

func buildHardenInput(req RunRequest, code, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\nCode to harden:\n%s\n", req.UserPrompt, code)
	if feedback != "" {
		fmt.Fprintf(&b, "\nUnresolved review feedback to address:\n%s\n", feedback)
	}
	return b.String()
}

func buildValidateInput(req RunRequest, hardened string) string {
	return fmt.Sprintf("User request:\n%s\n\nFinal output to assess:\n%s\n", req.UserPrompt, hardened)
}
