package tool

import "fmt"

// Prompt builders for each pipeline phase. Every prompt is fully
// self-contained: the tool is one-shot and stateless, so anything it needs
// must travel inside the prompt text.

// AnalysisPrompt asks the tool to audit one screen's source.
func AnalysisPrompt(name, source string) string {
	return fmt.Sprintf(
		"You are a security reviewer for a web application. Analyze the screen %q below for hardening opportunities.\n\n"+
			"Source:\n%s\n\n"+
			"Respond with a single JSON object (no prose outside it) of the form:\n"+
			"{\n  \"findings\": [\n    {\"id\": \"F1\", \"title\": \"...\", \"severity\": \"low|medium|high\", \"detail\": \"...\"}\n  ],\n  \"summary\": \"one-paragraph overview\"\n}\n"+
			"Return an empty findings array when nothing needs hardening.",
		name,
		source,
	)
}

// HardeningPrompt asks the tool to produce a hardened rewrite of a screen,
// guided by the earlier analysis and the human decision.
func HardeningPrompt(name, source, analysis, decision string) string {
	return fmt.Sprintf(
		"You previously analyzed the screen %q. Apply the approved hardening now.\n\n"+
			"Original source:\n%s\n\n"+
			"Analysis:\n%s\n\n"+
			"Reviewer decision (apply any modifications it requests):\n%s\n\n"+
			"Respond with a single JSON object:\n"+
			"{\n  \"hardened_source\": \"the complete hardened file\",\n  \"changes\": [\"short description per change\"]\n}\n"+
			"Do not omit unchanged code from hardened_source; it must be the full file.",
		name,
		source,
		analysis,
		decision,
	)
}

// VerificationPrompt asks the tool to check a hardened rewrite against the
// original source and the findings it was meant to address.
func VerificationPrompt(source, hardenedSource, analysis string) string {
	return fmt.Sprintf(
		"Verify a hardening rewrite.\n\n"+
			"Original source:\n%s\n\n"+
			"Hardened source:\n%s\n\n"+
			"Findings the rewrite was meant to address:\n%s\n\n"+
			"Respond with a single JSON object:\n"+
			"{\n  \"verdict\": \"pass|fail\",\n  \"unresolved\": [\"finding ids still open\"],\n  \"regressions\": [\"behavior the rewrite broke, if any\"]\n}",
		source,
		hardenedSource,
		analysis,
	)
}

// QuestionPrompt asks a free-form question about one screen.
func QuestionPrompt(name, source, analysis, question string) string {
	return fmt.Sprintf(
		"Answer a question about the screen %q.\n\n"+
			"Source:\n%s\n\n"+
			"Prior analysis:\n%s\n\n"+
			"Question: %s\n\n"+
			"Answer concisely in plain text.",
		name,
		source,
		analysis,
		question,
	)
}

// ExplainPrompt asks for a deeper explanation of a single finding.
func ExplainPrompt(name, source, finding string) string {
	return fmt.Sprintf(
		"Explain one finding from the analysis of the screen %q.\n\n"+
			"Source:\n%s\n\n"+
			"Finding:\n%s\n\n"+
			"Explain why this matters, how it could be exploited, and how the fix works. Plain text.",
		name,
		source,
		finding,
	)
}
