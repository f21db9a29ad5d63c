package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// LineSplitter splits chunked reads into complete lines, retaining any
// unterminated tail until the next chunk arrives. Process output rarely
// aligns with read boundaries, so the carry-over is load-bearing.
type LineSplitter struct {
	tail []byte
}

// Split consumes one chunk and returns the lines it completed. A trailing
// carriage return is stripped from each line.
func (splitter *LineSplitter) Split(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	splitter.tail = append(splitter.tail, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(splitter.tail, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(splitter.tail[:i], []byte("\r"))))
		splitter.tail = splitter.tail[i+1:]
	}
	return lines
}

// Flush returns the unterminated final line, if any, and resets the splitter.
func (splitter *LineSplitter) Flush() (string, bool) {
	if len(splitter.tail) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(splitter.tail, []byte("\r")))
	splitter.tail = nil
	return line, true
}

// rawEvent is the superset of fields seen across the provider protocols.
// Each provider populates its own slice of them.
type rawEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	Message   json.RawMessage `json:"message"`
	Event     json.RawMessage `json:"event"`
	Error     json.RawMessage `json:"error"`
	ThreadID  string          `json:"thread_id"`
	Item      json.RawMessage `json:"item"`
}

type rawMessage struct {
	Content []rawBlock `json:"content"`
}

type rawBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

type rawStreamEvent struct {
	Type         string   `json:"type"`
	Delta        rawDelta `json:"delta"`
	ContentBlock rawBlock `json:"content_block"`
}

type rawDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
}

type rawItem struct {
	Type             string `json:"type"`
	ItemType         string `json:"item_type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
}

// parseLine normalizes one stdout line into stream events. The second return
// reports whether the line belonged to a recognized protocol shape; lines
// that do not are the caller's diagnostic noise. A recognized line may still
// produce zero events (protocol bookkeeping such as message_start).
func parseLine(line string) ([]StreamEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != '{' {
		return nil, false
	}
	var raw rawEvent
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}
	switch raw.Type {
	case "system":
		if raw.Subtype == "init" {
			return []StreamEvent{{Kind: EventInit, Model: raw.Model, SessionID: raw.SessionID}}, true
		}
		return nil, false
	case "stream_event":
		return parseStreamEvent(raw.Event)
	case "assistant":
		return parseAssistant(raw.Message)
	case "user":
		return parseToolResults(raw.Message)
	case "result":
		text := raw.Result
		isError := raw.IsError || strings.HasPrefix(raw.Subtype, "error")
		if text == "" && isError {
			text = raw.Subtype
		}
		return []StreamEvent{{Kind: EventResult, Text: text, SessionID: raw.SessionID, IsError: isError}}, true
	case "error":
		text := decodeMessageText(raw.Message)
		if text == "" {
			text = decodeMessageText(raw.Error)
		}
		return []StreamEvent{{Kind: EventError, Text: text, IsError: true}}, true
	case "thread.started":
		return []StreamEvent{{Kind: EventInit, SessionID: raw.ThreadID}}, true
	case "item.started", "item.updated":
		return nil, true
	case "item.completed":
		return parseItem(raw.Item)
	case "turn.completed":
		return []StreamEvent{{Kind: EventResult}}, true
	case "turn.failed":
		return []StreamEvent{{Kind: EventResult, Text: decodeMessageText(raw.Error), IsError: true}}, true
	}
	return nil, false
}

// parseStreamEvent handles the incremental delta envelope.
func parseStreamEvent(payload json.RawMessage) ([]StreamEvent, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var event rawStreamEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, false
	}
	switch event.Type {
	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			return []StreamEvent{{Kind: EventText, Text: event.Delta.Text}}, true
		case "thinking_delta":
			return []StreamEvent{{Kind: EventThinking, Text: event.Delta.Thinking}}, true
		case "input_json_delta":
			return []StreamEvent{{Kind: EventToolOutput, Text: event.Delta.PartialJSON}}, true
		}
		return nil, true
	case "content_block_start":
		if event.ContentBlock.Type == "tool_use" {
			return []StreamEvent{{Kind: EventToolUse, Tool: event.ContentBlock.Name}}, true
		}
		return nil, true
	case "message_start", "message_delta", "message_stop", "content_block_stop", "ping":
		return nil, true
	}
	return nil, false
}

// parseAssistant reduces an assistant message to one completed turn plus any
// tool-use starts it announced.
func parseAssistant(payload json.RawMessage) ([]StreamEvent, bool) {
	blocks, ok := decodeBlocks(payload)
	if !ok {
		return nil, false
	}
	var events []StreamEvent
	var text strings.Builder
	for _, block := range blocks {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			events = append(events, StreamEvent{Kind: EventToolUse, Tool: block.Name})
		}
	}
	if text.Len() > 0 {
		events = append(events, StreamEvent{Kind: EventTurn, Text: text.String()})
	}
	return events, true
}

// parseToolResults extracts tool results from a user message.
func parseToolResults(payload json.RawMessage) ([]StreamEvent, bool) {
	blocks, ok := decodeBlocks(payload)
	if !ok {
		return nil, false
	}
	var events []StreamEvent
	for _, block := range blocks {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, StreamEvent{Kind: EventToolResult, Text: decodeMessageText(block.Content)})
	}
	return events, true
}

// parseItem handles codex completed items.
func parseItem(payload json.RawMessage) ([]StreamEvent, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var item rawItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, false
	}
	kind := item.ItemType
	if kind == "" {
		kind = item.Type
	}
	switch kind {
	case "agent_message":
		return []StreamEvent{{Kind: EventTurn, Text: item.Text}}, true
	case "reasoning":
		return []StreamEvent{{Kind: EventThinking, Text: item.Text}}, true
	case "command_execution":
		return []StreamEvent{{Kind: EventToolResult, Tool: item.Command, Text: item.AggregatedOutput}}, true
	}
	return nil, true
}

// decodeBlocks unwraps a message payload into its content blocks.
func decodeBlocks(payload json.RawMessage) ([]rawBlock, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	var message rawMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, false
	}
	return message.Content, true
}

// decodeMessageText extracts human-readable text from a payload that may be
// a bare string, an object with a message field, or a list of text blocks.
func decodeMessageText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return text
	}
	var wrapped struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Message != "" {
		return wrapped.Message
	}
	var blocks []rawBlock
	if err := json.Unmarshal(payload, &blocks); err == nil {
		var builder strings.Builder
		for _, block := range blocks {
			builder.WriteString(block.Text)
		}
		return builder.String()
	}
	return strings.TrimSpace(string(payload))
}

// collector folds normalized events into the final-content candidates and
// session metadata for one invocation.
type collector struct {
	deltas        strings.Builder
	lastTurn      string
	resultText    string
	resultSeen    bool
	resultErr     bool
	errorText     string
	sessionID     string
	model         string
	recognizedAny bool
	rawOutput     strings.Builder
}

// noteLine records raw stdout and whether the line spoke a known protocol.
// Raw output only matters for providers that never speak one.
func (state *collector) noteLine(line string, recognized bool) {
	state.rawOutput.WriteString(line)
	state.rawOutput.WriteString("\n")
	if recognized {
		state.recognizedAny = true
	}
}

// observe folds one event into the collector.
func (state *collector) observe(event StreamEvent) {
	switch event.Kind {
	case EventInit:
		if event.SessionID != "" {
			state.sessionID = event.SessionID
		}
		if event.Model != "" {
			state.model = event.Model
		}
	case EventText:
		state.deltas.WriteString(event.Text)
	case EventTurn:
		state.lastTurn = event.Text
	case EventResult:
		state.resultSeen = true
		if event.IsError {
			state.resultErr = true
		}
		if event.Text != "" {
			state.resultText = event.Text
		}
		if event.SessionID != "" {
			state.sessionID = event.SessionID
		}
	case EventError:
		state.resultErr = true
		if event.Text != "" {
			state.errorText = event.Text
		}
	}
}

// finalContent prefers the explicit result text, then the last completed
// turn, then accumulated text deltas. Raw stdout is the fallback for
// providers that never spoke a recognized protocol.
func (state *collector) finalContent() string {
	if state.resultText != "" {
		return state.resultText
	}
	if state.lastTurn != "" {
		return state.lastTurn
	}
	if state.deltas.Len() > 0 {
		return state.deltas.String()
	}
	if !state.recognizedAny {
		return strings.TrimSpace(state.rawOutput.String())
	}
	return ""
}

// failureText is the best available failure diagnostic from the stream.
func (state *collector) failureText() string {
	if state.errorText != "" {
		return state.errorText
	}
	if state.resultErr && state.resultText != "" {
		return state.resultText
	}
	return ""
}
