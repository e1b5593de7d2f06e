package model

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	anthropicsse "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	openaisse "github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func collect(t *testing.T, seq iter.Seq2[string, error]) (string, error) {
	t.Helper()
	var b strings.Builder
	for text, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

var userTurn = Request{System: "be brief", Messages: []Message{{Role: RoleUser, Content: "hi"}}, MaxTokens: 64}

// anthropicDecoder feeds fixed events to an Anthropic ssestream.Stream.
type anthropicDecoder struct {
	events []anthropicsse.Event
	i      int
	err    error
}

func (d *anthropicDecoder) Event() anthropicsse.Event { return d.events[d.i-1] }
func (d *anthropicDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *anthropicDecoder) Close() error { return nil }
func (d *anthropicDecoder) Err() error   { return d.err }

type stubMessages struct {
	params sdk.MessageNewParams
	dec    *anthropicDecoder
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...anthropicoption.RequestOption) *anthropicsse.Stream[sdk.MessageStreamEventUnion] {
	s.params = body
	return anthropicsse.NewStream[sdk.MessageStreamEventUnion](s.dec, nil)
}

func textDelta(text string) anthropicsse.Event {
	return anthropicsse.Event{
		Type: "content_block_delta",
		Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text + `"}}`),
	}
}

func TestAnthropicStreamYieldsTextDeltas(t *testing.T) {
	t.Parallel()

	stub := &stubMessages{dec: &anthropicDecoder{events: []anthropicsse.Event{
		{Type: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[]}}`)},
		textDelta(`{\"a\":`),
		textDelta(`1}`),
		{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	}}}
	c, err := NewAnthropic(stub, "claude-test", 128)
	require.NoError(t, err)

	got, err := collect(t, c.Stream(context.Background(), userTurn))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)

	assert.Equal(t, int64(64), stub.params.MaxTokens)
	assert.Equal(t, sdk.Model("claude-test"), stub.params.Model)
	require.Len(t, stub.params.System, 1)
	assert.Equal(t, "be brief", stub.params.System[0].Text)
	assert.Len(t, stub.params.Messages, 1)
}

func TestAnthropicStreamReportsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	stub := &stubMessages{dec: &anthropicDecoder{events: []anthropicsse.Event{textDelta("par")}, err: boom}}
	c, err := NewAnthropic(stub, "claude-test", 128)
	require.NoError(t, err)

	got, err := collect(t, c.Stream(context.Background(), userTurn))
	assert.Equal(t, "par", got)
	assert.ErrorIs(t, err, boom)
}

func TestAnthropicRejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	c, err := NewAnthropic(&stubMessages{}, "claude-test", 128)
	require.NoError(t, err)
	_, err = collect(t, c.Stream(context.Background(), Request{}))
	assert.ErrorIs(t, err, ErrNoMessages)
}

type openaiDecoder struct {
	events []openaisse.Event
	i      int
}

func (d *openaiDecoder) Event() openaisse.Event { return d.events[d.i-1] }
func (d *openaiDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *openaiDecoder) Close() error { return nil }
func (d *openaiDecoder) Err() error   { return nil }

type stubCompletions struct {
	params openai.ChatCompletionNewParams
	dec    *openaiDecoder
}

func (s *stubCompletions) NewStreaming(_ context.Context, body openai.ChatCompletionNewParams, _ ...openaioption.RequestOption) *openaisse.Stream[openai.ChatCompletionChunk] {
	s.params = body
	return openaisse.NewStream[openai.ChatCompletionChunk](s.dec, nil)
}

func chatChunk(content string) openaisse.Event {
	return openaisse.Event{Data: []byte(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test",` +
		`"choices":[{"index":0,"delta":{"content":"` + content + `"}}]}`)}
}

func TestOpenAIStreamYieldsContent(t *testing.T) {
	t.Parallel()

	stub := &stubCompletions{dec: &openaiDecoder{events: []openaisse.Event{
		chatChunk(`{\"b\":`),
		chatChunk(""),
		chatChunk(`true}`),
		{Data: []byte("[DONE]")},
	}}}
	c, err := NewOpenAI(stub, "gpt-test")
	require.NoError(t, err)

	got, err := collect(t, c.Stream(context.Background(), userTurn))
	require.NoError(t, err)
	assert.Equal(t, `{"b":true}`, got)
	assert.Equal(t, openai.ChatModel("gpt-test"), stub.params.Model)
	assert.Len(t, stub.params.Messages, 2, "system plus one user message")
}

type stubModels struct {
	model     string
	contents  []*genai.Content
	responses []string
	err       error
}

func (s *stubModels) GenerateContentStream(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	s.model = model
	s.contents = contents
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, text := range s.responses {
			resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: genai.NewContentFromText(text, genai.RoleModel),
			}}}
			if !yield(resp, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

func TestGeminiStreamYieldsText(t *testing.T) {
	t.Parallel()

	stub := &stubModels{responses: []string{`{"c":`, `"x"}`}}
	c, err := NewGemini(stub, "")
	require.NoError(t, err)

	req := userTurn
	req.Messages = append(req.Messages, Message{Role: RoleAssistant, Content: "ok"}, Message{Role: RoleUser, Content: "go"})
	got, err := collect(t, c.Stream(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, `{"c":"x"}`, got)
	assert.Equal(t, "gemini-2.5-flash", stub.model)
	require.Len(t, stub.contents, 3)
	assert.Equal(t, "model", stub.contents[1].Role)
}

func TestGeminiStreamReportsErrors(t *testing.T) {
	t.Parallel()

	stub := &stubModels{responses: []string{"a"}, err: errors.New("quota")}
	c, err := NewGemini(stub, "gemini-test")
	require.NoError(t, err)

	_, err = collect(t, c.Stream(context.Background(), userTurn))
	assert.ErrorContains(t, err, "quota")
}

func TestScriptedQueuesPerStage(t *testing.T) {
	t.Parallel()

	s := NewScripted(4, 0)
	s.Respond("design", `{"d":1}`)
	s.Enqueue("", Script{Chunks: []string{"any"}})

	req := userTurn
	req.Stage = "design"
	got, err := collect(t, s.Stream(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, `{"d":1}`, got)

	req.Stage = "welcome"
	got, err = collect(t, s.Stream(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, "any", got)

	got, err = collect(t, s.Stream(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, defaultResponses["welcome"], got)
	assert.Len(t, s.Requests(), 3)
}

func TestScriptedHonorsCancellation(t *testing.T) {
	t.Parallel()

	s := NewScripted(1, 0)
	s.Enqueue("", Script{Chunks: []string{"a", "b", "c"}, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := collect(t, s.Stream(ctx, userTurn))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedStopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()

	s := NewScripted(1, 0)
	s.Enqueue("", Script{Chunks: []string{"a", "b", "c"}})
	var seen []string
	for text, err := range s.Stream(context.Background(), userTurn) {
		require.NoError(t, err)
		seen = append(seen, text)
		break
	}
	assert.Equal(t, []string{"a"}, seen)
}

func TestSplit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"abc", "def", "g"}, Split("abcdefg", 3))
	assert.Equal(t, []string{"ab"}, Split("ab", 5))
	assert.Equal(t, []string{"ab"}, Split("ab", 0))
}

func TestOpenUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), ProviderConfig{Name: "llama"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = Open(context.Background(), ProviderConfig{Name: ProviderAnthropic})
	assert.Error(t, err, "missing key")

	c, err := Open(context.Background(), ProviderConfig{Name: ProviderScripted})
	require.NoError(t, err)
	assert.Equal(t, "scripted", c.Name())
}
