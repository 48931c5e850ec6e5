package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies the type of a stream-json event.
type EventType string

const (
	EventTypeSystem    EventType = "system"
	EventTypeAssistant EventType = "assistant"
	EventTypeUser      EventType = "user"
	EventTypeResult    EventType = "result"
)

// ContentType identifies the type of a content block.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// StreamEvent is one newline-delimited JSON event emitted by the agent
// with --output-format stream-json. With --output-format json the agent
// prints a single result event.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Subtype   string    `json:"subtype,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   *Message  `json:"message,omitempty"`

	// Result event fields.
	Result       *string `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`

	Tools []string `json:"tools,omitempty"`
}

// Message holds the content blocks of an assistant or user event.
type Message struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is text, a tool call or a tool result.
type ContentBlock struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ParseStreamEvent parses one line of agent output. It returns nil, nil for
// blank lines and an error for anything that is not a JSON event.
func ParseStreamEvent(line string) (*StreamEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "{") {
		return nil, fmt.Errorf("not a stream event")
	}
	var event StreamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return nil, fmt.Errorf("failed to parse stream event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("stream event has no type")
	}
	return &event, nil
}

// IsResultEvent reports whether the event is the final result.
func (e *StreamEvent) IsResultEvent() bool {
	return e.Type == EventTypeResult
}

// Failed reports whether a result event carries an explicit error.
func (e *StreamEvent) Failed() bool {
	return e.Type == EventTypeResult && (e.IsError || strings.HasPrefix(e.Subtype, "error"))
}

// Cost returns the reported cost of a result event.
func (e *StreamEvent) Cost() float64 {
	if e.TotalCostUSD > 0 {
		return e.TotalCostUSD
	}
	return e.CostUSD
}

// Text returns the concatenated text blocks of the event's message.
func (e *StreamEvent) Text() string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range e.Message.Content {
		if block.Type == ContentTypeText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of an assistant event.
func (e *StreamEvent) ToolUses() []ContentBlock {
	if e.Type != EventTypeAssistant || e.Message == nil {
		return nil
	}
	var tools []ContentBlock
	for _, block := range e.Message.Content {
		if block.Type == ContentTypeToolUse {
			tools = append(tools, block)
		}
	}
	return tools
}

// Collector accumulates stream events into the final payload of one
// invocation. Partial output is only relayed, never parsed for markers.
type Collector struct {
	SessionID string
	Turns     int
	ToolCalls int
	// Skipped counts stdout lines that were not stream events.
	Skipped int

	result    *StreamEvent
	assistant strings.Builder
	raw       strings.Builder
}

// Add records one stdout line and returns the parsed event, if any.
func (c *Collector) Add(line string) *StreamEvent {
	c.raw.WriteString(line)
	c.raw.WriteByte('\n')

	event, err := ParseStreamEvent(line)
	if err != nil {
		c.Skipped++
		return nil
	}
	if event == nil {
		return nil
	}

	switch event.Type {
	case EventTypeSystem:
		if event.SessionID != "" {
			c.SessionID = event.SessionID
		}
	case EventTypeAssistant:
		if text := event.Text(); text != "" {
			if c.assistant.Len() > 0 {
				c.assistant.WriteByte('\n')
			}
			c.assistant.WriteString(text)
		}
		c.ToolCalls += len(event.ToolUses())
	case EventTypeUser:
		c.Turns++
	case EventTypeResult:
		c.result = event
		if event.SessionID != "" {
			c.SessionID = event.SessionID
		}
		if event.NumTurns > 0 {
			c.Turns = event.NumTurns
		}
	}
	return event
}

// Decoded reports whether a result event was seen.
func (c *Collector) Decoded() bool {
	return c.result != nil
}

// Result returns the final result event, or nil.
func (c *Collector) Result() *StreamEvent {
	return c.result
}

// FinalText returns the text to parse for markers: the result payload when
// present, otherwise the concatenated assistant text.
func (c *Collector) FinalText() string {
	if c.result != nil && c.result.Result != nil {
		return *c.result.Result
	}
	return c.assistant.String()
}

// Raw returns every stdout line seen, verbatim.
func (c *Collector) Raw() string {
	return c.raw.String()
}
