package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/batalabs/agentd/internal/domain"
)

// streamHTTPClient is shared across all streaming calls. One shared
// Transport reuses connections; DisableCompression keeps proxies from
// wrapping the SSE stream in gzip; HTTP/2 is preferred since its framing
// avoids chunked-encoding edge cases on long streams.
var streamHTTPClient = &http.Client{
	Transport: &http.Transport{
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
	},
}

// CloseIdleConnections drops pooled connections so a retry after a stream
// error starts on a fresh TCP/TLS connection instead of a stale one.
func CloseIdleConnections() {
	streamHTTPClient.CloseIdleConnections()
}

// TestAPIURL is overridden in tests to point at a local httptest server.
var TestAPIURL string

// AnthropicMessagesURL is the default Anthropic Messages API endpoint.
const AnthropicMessagesURL = "https://api.anthropic.com/v1/messages"

const defaultMaxTokens = 16384

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct{}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Open sends a streaming request and decodes the SSE response into
// ModelEvents on the returned channel.
func (p *AnthropicProvider) Open(ctx context.Context, req Request) (<-chan ModelEvent, error) {
	apiURL := AnthropicMessagesURL
	if TestAPIURL != "" {
		apiURL = TestAPIURL
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var systemBlocks []anthropicSystemBlock
	if req.System != "" {
		systemBlocks = []anthropicSystemBlock{
			{
				Type:         "text",
				Text:         req.System,
				CacheControl: &anthropicCacheControl{Type: "ephemeral"},
			},
		}
	}

	reqBody := anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
		Stream:    true,
		Tools:     toAnthropicTools(req.Tools),
		System:    systemBlocks,
	}
	if req.ThinkingBudget > 0 {
		reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: req.ThinkingBudget}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")
	// keep proxies from injecting compression on the SSE stream
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := streamHTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		errType := ""
		errMessage := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var errResp struct {
			Error *struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != nil {
			errType = errResp.Error.Type
			errMessage = errResp.Error.Message
		}
		return nil, NewAPIError(resp.StatusCode, errType, errMessage, resp.Header)
	}

	ch := make(chan ModelEvent, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		decodeAnthropicSSE(ctx, &lenientReader{r: resp.Body}, ch)
	}()
	return ch, nil
}

// ---------------------------------------------------------------------------
// Anthropic wire types
// ---------------------------------------------------------------------------

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// newTextMessage creates an anthropicMessage with a plain text content string.
func newTextMessage(role, text string) anthropicMessage {
	raw, _ := json.Marshal(text)
	return anthropicMessage{Role: role, Content: raw}
}

// newBlockMessage creates an anthropicMessage with an array of content blocks.
func newBlockMessage(role string, blocks []anthropicContentBlock) anthropicMessage {
	raw, _ := json.Marshal(blocks)
	return anthropicMessage{Role: role, Content: raw}
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *string         `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

// anthropicCacheControl marks a block for ephemeral prompt caching.
// Cached prefixes are charged at ~10% on requests within 5 minutes.
type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// anthropicSystemBlock is a content block in the system message array.
// Using an array (instead of a plain string) enables cache_control.
type anthropicSystemBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicToolItem struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  *anthropicToolSchema   `json:"input_schema,omitempty"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicToolSchema struct {
	Type       string                       `json:"type"`
	Properties map[string]anthropicToolProp `json:"properties"`
	Required   []string                     `json:"required"`
}

type anthropicToolProp struct {
	Type        string                       `json:"type"`
	Description string                       `json:"description,omitempty"`
	Enum        []string                     `json:"enum,omitempty"`
	Items       *anthropicToolProp           `json:"items,omitempty"`
	Properties  map[string]anthropicToolProp `json:"properties,omitempty"`
	Required    []string                     `json:"required,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model     string                 `json:"model"`
	MaxTokens int                    `json:"max_tokens"`
	Messages  []anthropicMessage     `json:"messages"`
	Stream    bool                   `json:"stream"`
	Tools     []anthropicToolItem    `json:"tools,omitempty"`
	System    []anthropicSystemBlock `json:"system,omitempty"`
	Thinking  *anthropicThinking     `json:"thinking,omitempty"`
}

// ---------------------------------------------------------------------------
// SSE event types
// ---------------------------------------------------------------------------

type sseEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Message *struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	// Error is populated for SSE error events sent mid-stream.
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamBlock tracks an in-flight content block during SSE decoding.
type streamBlock struct {
	blockType string
	toolID    string
	toolName  string
	textBuf   strings.Builder
	jsonBuf   strings.Builder
	signature string
}

// ---------------------------------------------------------------------------
// Tool conversion
// ---------------------------------------------------------------------------

// convertAnthropicProp recursively converts a ToolProp to anthropicToolProp.
func convertAnthropicProp(v ToolProp) anthropicToolProp {
	p := anthropicToolProp{
		Type:        v.Type,
		Description: v.Description,
		Enum:        v.Enum,
	}
	if v.Items != nil {
		converted := convertAnthropicProp(*v.Items)
		p.Items = &converted
	}
	if len(v.Properties) > 0 {
		p.Properties = make(map[string]anthropicToolProp, len(v.Properties))
		for k, nested := range v.Properties {
			p.Properties[k] = convertAnthropicProp(nested)
		}
	}
	if len(v.Required) > 0 {
		p.Required = v.Required
	}
	return p
}

// toAnthropicTools converts provider-agnostic ToolSpecs to Anthropic wire
// format. The last tool carries cache_control so the whole tool list is
// cached as a prompt prefix.
func toAnthropicTools(specs []ToolSpec) []anthropicToolItem {
	if len(specs) == 0 {
		return nil
	}

	items := make([]anthropicToolItem, 0, len(specs))
	for _, s := range specs {
		props := make(map[string]anthropicToolProp, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = convertAnthropicProp(v)
		}
		req := s.Required
		if req == nil {
			req = []string{}
		}
		items = append(items, anthropicToolItem{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: &anthropicToolSchema{
				Type:       "object",
				Properties: props,
				Required:   req,
			},
		})
	}
	items[len(items)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	return items
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

// buildAnthropicMessages converts transcript messages to Anthropic API format.
func buildAnthropicMessages(history []domain.TranscriptMessage) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(history))
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		if m.HasBlocks() {
			apiBlocks := make([]anthropicContentBlock, 0, len(m.Blocks))
			for _, b := range m.Blocks {
				switch b.Type {
				case "text":
					apiBlocks = append(apiBlocks, anthropicContentBlock{Type: "text", Text: b.Text})
				case "thinking":
					apiBlocks = append(apiBlocks, anthropicContentBlock{
						Type:      "thinking",
						Thinking:  b.Text,
						Signature: b.Signature,
					})
				case "tool_use":
					input := b.ToolInput
					if input == nil {
						input = map[string]any{}
					}
					apiBlocks = append(apiBlocks, anthropicContentBlock{
						Type:  "tool_use",
						ID:    b.ToolUseID,
						Name:  b.ToolName,
						Input: &input,
					})
				case "tool_result":
					content := b.ToolResult
					// Truncate old tool results to reduce context size.
					const maxToolResult = 10000
					if len(content) > maxToolResult {
						content = content[:maxToolResult] + "\n... (truncated for context)"
					}
					block := anthropicContentBlock{
						Type:      "tool_result",
						ToolUseID: b.ToolUseID,
						Content:   &content,
					}
					if b.IsError {
						isErr := true
						block.IsError = &isErr
					}
					apiBlocks = append(apiBlocks, block)
				}
			}
			msgs = append(msgs, newBlockMessage(m.Role, apiBlocks))
		} else {
			msgs = append(msgs, newTextMessage(m.Role, m.Content))
		}
	}
	return msgs
}

// ---------------------------------------------------------------------------
// SSE decoding
// ---------------------------------------------------------------------------

// lenientReader wraps an io.Reader and absorbs transport-level errors
// (chunked encoding failures, connection resets) by converting them to
// io.EOF, so the decoder processes everything received before the drop.
type lenientReader struct {
	r   io.Reader
	err error // saved transport error, nil if clean
}

func (lr *lenientReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if err != nil && err != io.EOF {
		lr.err = err
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

// decodeAnthropicSSE turns the Anthropic SSE stream into ModelEvents.
// Exactly one terminal event (stop or error) is emitted unless ctx ends
// first. A stream that dies without a stop_reason is salvaged as end_turn
// when it produced only text; incomplete tool input is never salvaged.
func decodeAnthropicSSE(ctx context.Context, body io.Reader, ch chan<- ModelEvent) {
	emit := func(ev ModelEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var blocks []streamBlock
	usage := Usage{}
	stopReason := ""
	sawText := false
	sawToolUse := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line size
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var event sseEvent
		if json.Unmarshal([]byte(data), &event) != nil {
			continue
		}

		switch event.Type {
		case "error":
			// Mid-stream error from the API (e.g. overloaded_error).
			errType := ""
			errMsg := "unknown API error"
			if event.Error != nil {
				errType = event.Error.Type
				errMsg = event.Error.Message
			}
			emit(ModelEvent{Kind: KindError, Err: &APIError{StatusCode: 0, ErrorType: errType, Message: errMsg}})
			return

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheCreationInputTokens = event.Message.Usage.CacheCreationInputTokens
				usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			sb := streamBlock{}
			if event.ContentBlock != nil {
				sb.blockType = event.ContentBlock.Type
				sb.toolID = event.ContentBlock.ID
				sb.toolName = event.ContentBlock.Name
				if sb.blockType == "tool_use" {
					sawToolUse = true
				}
			}
			for len(blocks) <= event.Index {
				blocks = append(blocks, streamBlock{})
			}
			blocks[event.Index] = sb

		case "content_block_delta":
			if event.Index >= len(blocks) {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				sawText = true
				if !emit(ModelEvent{Kind: KindTextDelta, Text: event.Delta.Text}) {
					return
				}
			case "thinking_delta":
				blocks[event.Index].textBuf.WriteString(event.Delta.Thinking)
				if !emit(ModelEvent{Kind: KindThinkingDelta, Text: event.Delta.Thinking}) {
					return
				}
			case "signature_delta":
				blocks[event.Index].signature += event.Delta.Signature
			case "input_json_delta":
				blocks[event.Index].jsonBuf.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if event.Index >= len(blocks) {
				continue
			}
			sb := &blocks[event.Index]
			switch sb.blockType {
			case "tool_use":
				input := map[string]any{}
				if jsonStr := sb.jsonBuf.String(); jsonStr != "" {
					if err := json.Unmarshal([]byte(jsonStr), &input); err != nil {
						fmt.Fprintf(os.Stderr, "anthropic: unmarshal tool input: %v\n", err)
					}
				}
				if !emit(ModelEvent{Kind: KindToolCall, ToolID: sb.toolID, ToolName: sb.toolName, ToolInput: input}) {
					return
				}
			case "thinking":
				if !emit(ModelEvent{Kind: KindThinkingEnd, Text: sb.textBuf.String(), Signature: sb.signature}) {
					return
				}
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = event.Usage.OutputTokens
			}
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
		}
	}

	var transportErr error
	if lr, ok := body.(*lenientReader); ok {
		transportErr = lr.err
	}
	if scanErr := scanner.Err(); scanErr != nil {
		transportErr = scanErr
	}

	if stopReason == "" {
		// A dropped text-only stream still reads as a complete answer; a
		// dropped tool call does not, so it surfaces for retry.
		if sawText && !sawToolUse {
			emit(ModelEvent{Kind: KindStop, StopReason: "end_turn", Usage: usage})
			return
		}
		if transportErr == nil {
			transportErr = io.ErrUnexpectedEOF
		}
		emit(ModelEvent{Kind: KindError, Err: fmt.Errorf("reading stream: %w", transportErr)})
		return
	}

	emit(ModelEvent{Kind: KindStop, StopReason: stopReason, Usage: usage})
}
