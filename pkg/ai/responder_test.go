package ai

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

func TestParseReply(t *testing.T) {
	r, err := ParseReply(`{"response":"Hola!","detected_industry":"Restaurant","said_later":true,"topic":" table reservations "}`)
	require.NoError(t, err)
	assert.Equal(t, "Hola!", r.Response)
	assert.Equal(t, "restaurant", r.DetectedIndustry)
	assert.True(t, r.SaidLater)
	assert.Equal(t, "table reservations", r.Topic)

	r, err = ParseReply("```json\n{\"response\":\"ok then\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "ok then", r.Response)

	r, err = ParseReply("plain text answer")
	require.NoError(t, err)
	assert.Equal(t, "plain text answer", r.Response)
	assert.False(t, r.SaidLater)

	_, err = ParseReply("   ")
	assert.Error(t, err)

	_, err = ParseReply(`{"response":""}`)
	assert.Error(t, err)
}

func TestOpenAIResponder_Respond(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1760000000, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"response\":\"Claro, te cuento\",\"detected_industry\":\"dental\"}"}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52}
		}`))
	}))
	defer srv.Close()

	r, err := NewOpenAIResponder(Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)

	reply, err := r.Respond(context.Background(), "tengo una clínica", Context{
		LeadName: "Ana",
		History:  []Turn{{Inbound: true, Content: "hola"}, {Content: "Hola Ana"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Claro, te cuento", reply.Response)
	assert.Equal(t, "dental", reply.DetectedIndustry)
	assert.Equal(t, 52, reply.TokensUsed)

	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 5)
	assert.Equal(t, "gpt-4o-mini", req["model"])
}

func TestNewOpenAIResponder_RequiresKey(t *testing.T) {
	_, err := NewOpenAIResponder(Config{})
	assert.Error(t, err)
}
