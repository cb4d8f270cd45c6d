package context

import (
	"strings"

	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// SystemPrompt is the persona sent to chat-style providers.
const SystemPrompt = "You are an experienced SRE analyst. You review server resource metrics " +
	"and explain anomalies in plain language with concrete, prioritized recommendations."

// Prompt renders the instruction prompt for an analysis context.
func Prompt(ac models.AnalysisContext) string {
	var sb strings.Builder
	sb.WriteString("Analyze the resource usage of the server below. Values are percentages. ")
	sb.WriteString("Bands compare each reading to configured low/high thresholds; ")
	sb.WriteString("outliers deviate strongly from the window mean.\n\n")
	sb.WriteString(ac.Summary)
	sb.WriteString("\n\nAnswer with four short sections:\n")
	sb.WriteString("1. ANALYSIS: overall state of the server\n")
	sb.WriteString("2. PROBLEMS: the concrete issues, if any\n")
	sb.WriteString("3. RECOMMENDATIONS: actions to take\n")
	sb.WriteString("4. PRIORITIES: what to do first\n")
	return sb.String()
}
