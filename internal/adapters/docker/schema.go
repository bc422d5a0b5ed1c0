package docker

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

// chatCompletionSchema describes the minimal shape a sandbox's
// /v1/chat/completions response must have. The Docker SDK requires this
// module to use the Moby API's typed structs, and every Mindburn/bureau
// example in the corpus validates structured JSON shapes with kin-openapi
// rather than hand-rolled field checks, so the same tool is used here on
// the one untyped boundary left in the system: the sandbox's own reply.
var chatCompletionSchema = openapi3.NewObjectSchema().
	WithProperty("choices", openapi3.NewArraySchema().WithItems(
		openapi3.NewObjectSchema().
			WithProperty("message", openapi3.NewObjectSchema().
				WithProperty("role", openapi3.NewStringSchema()).
				WithProperty("content", openapi3.NewStringSchema()).
				WithRequired([]string{"role", "content"})).
			WithRequired([]string{"message"}),
	)).
	WithRequired([]string{"choices"})

// parseChatCompletion validates body against chatCompletionSchema and
// returns the first choice's message content.
func parseChatCompletion(body []byte) (string, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if err := chatCompletionSchema.VisitJSON(decoded); err != nil {
		return "", fmt.Errorf("chat completion response failed schema validation: %w", err)
	}

	var typed domain.ChatCompletionResponse
	if err := json.Unmarshal(body, &typed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(typed.Choices) == 0 {
		return "", domain.ErrNoChoices
	}
	return typed.Choices[0].Message.Content, nil
}
