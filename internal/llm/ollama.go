package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/atrium/internal/httpkit"
)

// OllamaClient is a client for a local Ollama server. Ollama has no
// prompt cache and assigns no tool call ids, so ids are synthesized.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for baseURL.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ToolFunction `json:"function"`
}

type ollamaWireResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

func toOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{Function: tc.Function})
		}
		out = append(out, om)
	}
	return out
}

// ChatStream sends one streamed turn to /api/chat.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: toOllama(messages),
		Stream:   true,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 4096)}
	}

	var (
		final ollamaWireResponse
		text  strings.Builder
		calls []ollamaToolCall
	)
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaWireResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, &StreamError{Provider: "ollama", Type: "error", Message: chunk.Error}
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
			}
		}
		calls = append(calls, chunk.Message.ToolCalls...)
		if chunk.Done {
			final = chunk
			break
		}
	}

	out := &ChatResponse{
		Model:        final.Model,
		Message:      Message{Role: RoleAssistant, Content: text.String()},
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
		StopReason:   final.DoneReason,
	}
	if t, err := time.Parse(time.RFC3339Nano, final.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	for _, tc := range calls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{Function: tc.Function})
	}
	if len(out.Message.ToolCalls) == 0 && out.Message.Content != "" {
		if parsed := parseTextToolCalls(out.Message.Content); len(parsed) > 0 {
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}
	for i := range out.Message.ToolCalls {
		tc := &out.Message.ToolCalls[i]
		tc.ID = fmt.Sprintf("call_%d", i)
		if tc.Function.Arguments == nil {
			tc.Function.Arguments = map[string]any{}
		}
		if callback != nil {
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &ToolCall{ID: tc.ID, Function: ToolFunction{Name: tc.Function.Name}}})
		}
	}
	return out, nil
}

// parseTextToolCalls extracts tool calls that a model wrote as JSON text
// instead of native tool_calls. It accepts a single object, an array, or
// either wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var many []ToolFunction
	if err := json.Unmarshal([]byte(content), &many); err == nil && len(many) > 0 {
		out := make([]ToolCall, 0, len(many))
		for _, fn := range many {
			if fn.Name != "" {
				out = append(out, ToolCall{Function: fn})
			}
		}
		return out
	}
	var one ToolFunction
	if err := json.Unmarshal([]byte(content), &one); err == nil && one.Name != "" {
		return []ToolCall{{Function: one}}
	}
	return nil
}

// Ping checks that the Ollama server answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", Status: resp.StatusCode}
	}
	return nil
}
