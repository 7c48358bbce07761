package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/agent/conversation"
)

var (
	toolCallPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	fenceOpenRe     = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceCloseRe    = regexp.MustCompile("\\s*```$")
	ctxOverflowRe   = regexp.MustCompile(`Requested tokens? \((\d+)\) exceed(?:s)? context window of (\d+)`)
)

// NormalizeToolCallJSON repairs the common malformations models produce
// inside <tool_call> blocks: surrounding whitespace, markdown code fences,
// unbalanced braces, and doubled outer braces. The result may still be
// invalid JSON; the caller decides.
func NormalizeToolCallJSON(s string) string {
	s = strings.TrimSpace(s)

	s = fenceOpenRe.ReplaceAllString(s, "")
	s = fenceCloseRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	open := strings.Count(s, "{")
	closed := strings.Count(s, "}")
	if open > closed {
		s += strings.Repeat("}", open-closed)
	} else if closed > open {
		for i := 0; i < closed-open && strings.HasSuffix(s, "}"); i++ {
			s = s[:len(s)-1]
		}
	}

	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if json.Valid([]byte(inner)) {
			s = inner
		}
	}

	return s
}

// transformToolArguments resolves the arguments field of a parsed tool call
// to an object. Accepted shapes: absent (empty object), an object, or a
// JSON-encoded string of an object. Anything else is an error.
func transformToolArguments(raw interface{}, toolName string) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return v, nil
	case string:
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, fmt.Errorf("tool %q arguments string is not a valid JSON object: %w", toolName, err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("tool %q arguments have unexpected type %T, expected object or JSON string", toolName, raw)
	}
}

// ExtractToolCalls scans text for non-overlapping <tool_call> segments and
// parses each into a ToolCall. Segments that fail parsing are returned as
// sentinel calls carrying the error, so the orchestrator can fold a
// tool-result error back to the model. It never fails; it always returns a
// list (possibly empty).
func ExtractToolCalls(text string, logger zerolog.Logger) []conversation.ToolCall {
	var calls []conversation.ToolCall
	if text == "" || !strings.Contains(text, "<tool_call>") {
		return calls
	}

	matches := toolCallPattern.FindAllStringSubmatch(text, -1)
	for i, match := range matches {
		snippet := match[1]
		call, err := parseOneToolCall(snippet, i)
		if err != nil {
			logger.Error().Err(err).Int("index", i).Str("snippet", truncateForLog(snippet, 200)).
				Msg("tool call parsing failed, emitting sentinel")
			calls = append(calls, parseErrorSentinel(snippet, i, err))
			continue
		}
		calls = append(calls, call)
	}

	if len(calls) > 0 {
		logger.Debug().Int("count", len(calls)).Msg("parsed tool calls from response text")
	}
	return calls
}

func parseOneToolCall(snippet string, index int) (conversation.ToolCall, error) {
	normalized := NormalizeToolCallJSON(snippet)

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(normalized), &data); err != nil {
		return conversation.ToolCall{}, fmt.Errorf("snippet is not a JSON object: %w", err)
	}

	name, ok := data["name"].(string)
	if !ok || name == "" {
		return conversation.ToolCall{}, fmt.Errorf("parsed JSON missing required string 'name' field")
	}

	args, err := transformToolArguments(data["arguments"], name)
	if err != nil {
		return conversation.ToolCall{}, err
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return conversation.ToolCall{}, fmt.Errorf("re-encode arguments for tool %q: %w", name, err)
	}

	return conversation.ToolCall{
		ID:   fmt.Sprintf("call_%s_%d", name, index),
		Type: "function",
		Function: conversation.FunctionCall{
			Name:      name,
			Arguments: string(encoded),
		},
	}, nil
}

func parseErrorSentinel(snippet string, index int, cause error) conversation.ToolCall {
	args, _ := json.Marshal(map[string]string{
		"error_type":       "ValueError",
		"error_message":    cause.Error(),
		"original_snippet": snippet,
	})
	return conversation.ToolCall{
		ID:   fmt.Sprintf("llm_parse_err_%d", index),
		Type: "function",
		Function: conversation.FunctionCall{
			Name:      conversation.ParseErrorToolName,
			Arguments: string(args),
		},
	}
}

// CheckContextOverflow parses the local backend's context-window error. It
// returns (requested, window, true) when the text matches.
func CheckContextOverflow(errorText string) (int, int, bool) {
	match := ctxOverflowRe.FindStringSubmatch(errorText)
	if match == nil {
		return 0, 0, false
	}
	var requested, window int
	_, _ = fmt.Sscanf(match[1], "%d", &requested)
	_, _ = fmt.Sscanf(match[2], "%d", &window)
	return requested, window, true
}

// StripToolCallRegion returns the content up to the first <tool_call>
// marker, trimmed. Used after fallback extraction so the returned content
// no longer carries the call region.
func StripToolCallRegion(text string) string {
	if i := strings.Index(text, "<tool_call>"); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
