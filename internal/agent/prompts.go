package agent

import (
	"fmt"
	"strings"

	"selfrag/internal/domain"
)

const guardrailSystem = `You are a relevance filter for a question answering system.
Decide whether the given CONTEXT is useful for answering the QUESTION.
Respond with a JSON object: {"is_relevant": <bool>, "justification": "<brief reason>"}.
Mark partially relevant context as relevant. Judge semantic relevance, not keyword overlap.`

func guardrailPrompt(question, passage string) string {
	return fmt.Sprintf("QUESTION:\n%s\n\nCONTEXT:\n%s\n\nProvide your assessment as JSON.", question, passage)
}

const generationSystem = `You are a helpful assistant. Answer the user's QUESTION based only on the provided SOURCE CONTEXT.
- Use only information from the SOURCE CONTEXT, never outside knowledge.
- If the context is not sufficient to answer, say so plainly.
- Be accurate, concise, and well-structured.`

func generationPrompt(question, context string, prior []domain.Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION:\n%s\n\nSOURCE CONTEXT:\n%s\n", question, context)
	if len(prior) > 0 {
		b.WriteString("\nPrevious answers were rejected by a faithfulness review. Take a different approach and stay strictly within the context.\n")
		for i, a := range prior {
			fmt.Fprintf(&b, "\nRejected answer %d (score %d/5): %s\nReason: %s\n",
				i+1, a.Evaluation.Score, a.Answer, a.Evaluation.Justification)
		}
	}
	b.WriteString("\nANSWER:")
	return b.String()
}

const evaluationSystem = `You are a faithfulness evaluator. Assess whether the ANSWER is supported by the SOURCE CONTEXT.
Respond with a JSON object: {"score": <1-5>, "justification": "<brief reason>", "supported": <bool>}.
Scoring:
- 5: fully and verifiably supported, no hallucination
- 4: mostly supported, only trivial unsupported details
- 3: partially supported, some unsupported information
- 2: significant information missing from the context
- 1: mostly or entirely unsupported
An answer that honestly states the information is unavailable scores high when that is accurate.
"supported" is true only when every factual claim in the answer is grounded in the context.`

func evaluationPrompt(answer, context string) string {
	return fmt.Sprintf("SOURCE CONTEXT:\n%s\n\nGENERATED ANSWER:\n%s\n\nProvide your evaluation as JSON.", context, answer)
}
