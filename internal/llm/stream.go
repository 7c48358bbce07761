package llm

import (
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// streamEventKind tags events produced by the SSE reader.
type streamEventKind int

const (
	streamData streamEventKind = iota
	streamDone
	streamError
)

// streamEvent is one framed unit of the LLM response stream.
type streamEvent struct {
	kind    streamEventKind
	payload chatCompletionChunk
	err     error
	line    string
}

// chatCompletionChunk mirrors the streaming chat-completion envelope.
type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content   *string         `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallDelta is one fragment of a streamed tool call.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// parseSSE reads the response body and emits typed events on the returned
// channel: one per decoded `data:` payload, a terminal done event on
// `[DONE]` or EOF, and error events for undecodable chunks or lines. The
// reader tolerates UTF-8 sequences split across chunk boundaries and treats
// a stream that ends without `[DONE]` as a warning, not an error.
func parseSSE(body io.Reader, logger zerolog.Logger) <-chan streamEvent {
	out := make(chan streamEvent, 16)

	go func() {
		defer close(out)

		var pending []byte // bytes of an incomplete UTF-8 sequence or line
		buf := make([]byte, 4096)

		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				chunk := append(pending, buf[:n]...)
				valid := validUTF8Prefix(chunk)
				if !utf8.Valid(chunk[:valid]) {
					// Not a split sequence but genuinely bad bytes: report
					// and drop the chunk.
					logger.Error().Int("bytes", len(chunk)).Msg("undecodable UTF-8 in stream chunk")
					out <- streamEvent{kind: streamError, err: errInvalidUTF8}
					pending = nil
					continue
				}
				pending = chunk[valid:]
				text := string(chunk[:valid])

				rest := text
				for {
					idx := strings.IndexByte(rest, '\n')
					if idx < 0 {
						break
					}
					line := rest[:idx]
					rest = rest[idx+1:]
					if done := emitLine(line, out, logger); done {
						return
					}
				}
				// Carry the unterminated tail alongside any split UTF-8 bytes.
				pending = append([]byte(rest), pending...)
			}

			if readErr != nil {
				if len(pending) > 0 {
					if done := emitLine(string(pending), out, logger); done {
						return
					}
				}
				if readErr != io.EOF {
					out <- streamEvent{kind: streamError, err: readErr}
				}
				logger.Warn().Msg("stream ended without a [DONE] marker")
				out <- streamEvent{kind: streamDone}
				return
			}
		}
	}()

	return out
}

// emitLine frames one SSE line. Returns true when the stream is complete.
func emitLine(line string, out chan<- streamEvent, logger zerolog.Logger) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "data:") {
		logger.Warn().Str("line", truncateForLog(line, 200)).Msg("unexpected non-data line in stream")
		return false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return false
	}
	if data == "[DONE]" {
		out <- streamEvent{kind: streamDone}
		return true
	}

	var chunk chatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		logger.Error().Err(err).Str("line", truncateForLog(line, 200)).Msg("JSON decode error in stream line")
		out <- streamEvent{kind: streamError, err: err, line: line}
		return false
	}
	out <- streamEvent{kind: streamData, payload: chunk}
	return false
}

// validUTF8Prefix returns the length of the longest prefix of b that is
// whole UTF-8; a trailing partial sequence is excluded so it can be joined
// with the next chunk.
func validUTF8Prefix(b []byte) int {
	end := len(b)
	for end > 0 && end > len(b)-utf8.UTFMax {
		r, size := utf8.DecodeLastRune(b[:end])
		if r != utf8.RuneError || size > 1 {
			return end
		}
		end--
	}
	return end
}

var errInvalidUTF8 = jsonSyntaxError("invalid UTF-8 in stream chunk")

type jsonSyntaxError string

func (e jsonSyntaxError) Error() string { return string(e) }
