package integrated

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatStub answers /chat/completions with a canned SSE stream and records
// the request body.
func chatStub(t *testing.T, chunks []string) (*httptest.Server, *[]byte) {
	t.Helper()
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		body, err = io.ReadAll(r.Body)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			payload, err := json.Marshal(map[string]any{
				"id":      "cmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "test-model",
				"choices": []map[string]any{
					{"index": 0, "delta": map[string]any{"content": chunk}},
				},
			})
			require.NoError(t, err)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	return srv, &body
}

func TestOpenAIGeneratorStreamsTextDeltas(t *testing.T) {
	srv, body := chatStub(t, []string{"Hello", ", ", "world"})
	defer srv.Close()

	req := GenerateRequest{
		Model:     json.RawMessage(`{"id":"test-model","baseUrl":"` + srv.URL + `/","apiKey":"test"}`),
		Workspace: "/tmp/ws",
		Rules:     "be terse",
		History: []Turn{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
		Input: "new question",
	}

	var got []string
	err := NewOpenAIGenerator().Generate(context.Background(), req, func(d Delta) {
		require.Equal(t, DeltaText, d.Kind)
		got = append(got, d.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", ", ", "world"}, got)

	var sent struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(*body, &sent))
	assert.Equal(t, "test-model", sent.Model)
	assert.True(t, sent.Stream)

	require.Len(t, sent.Messages, 4)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[0].Content, "be terse")
	assert.Equal(t, "user", sent.Messages[1].Role)
	assert.Equal(t, "assistant", sent.Messages[2].Role)
	assert.Equal(t, "new question", sent.Messages[3].Content)
}

func TestOpenAIGeneratorRequiresModelID(t *testing.T) {
	err := NewOpenAIGenerator().Generate(context.Background(),
		GenerateRequest{Model: json.RawMessage(`{}`)}, func(Delta) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model id")
}
