package model

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Script is one canned model response.
type Script struct {
	Chunks []string
	// Err is yielded after the chunks when set.
	Err error
	// Delay is slept before each chunk.
	Delay time.Duration
}

// ScriptedClient replays canned responses. It backs local development
// without provider keys, the replay CLI and tests.
type ScriptedClient struct {
	mu        sync.Mutex
	queues    map[string][]Script
	requests  []Request
	chunkSize int
	delay     time.Duration
}

// NewScripted returns a client that splits default responses into chunks of
// chunkSize bytes and waits delay between them.
func NewScripted(chunkSize int, delay time.Duration) *ScriptedClient {
	if chunkSize <= 0 {
		chunkSize = 16
	}
	return &ScriptedClient{
		queues:    make(map[string][]Script),
		chunkSize: chunkSize,
		delay:     delay,
	}
}

// Name implements Client.
func (s *ScriptedClient) Name() string { return "scripted" }

// Enqueue adds a response for the given stage. An empty stage matches any
// request that has no stage-specific script queued.
func (s *ScriptedClient) Enqueue(stage string, sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[stage] = append(s.queues[stage], sc)
}

// Respond enqueues doc split into the client's chunk size.
func (s *ScriptedClient) Respond(stage, doc string) {
	s.Enqueue(stage, Script{Chunks: Split(doc, s.chunkSize)})
}

// Requests returns every request seen so far.
func (s *ScriptedClient) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *ScriptedClient) next(req Request) Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	for _, key := range []string{req.Stage, ""} {
		if q := s.queues[key]; len(q) > 0 {
			s.queues[key] = q[1:]
			return q[0]
		}
	}
	doc, ok := defaultResponses[req.Stage]
	if !ok {
		doc = defaultResponses["welcome"]
	}
	return Script{Chunks: Split(doc, s.chunkSize), Delay: s.delay}
}

// Stream implements Client.
func (s *ScriptedClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	if err := req.Validate(); err != nil {
		return fail(err)
	}
	sc := s.next(req)
	return func(yield func(string, error) bool) {
		for _, c := range sc.Chunks {
			if sc.Delay > 0 {
				t := time.NewTimer(sc.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					yield("", ctx.Err())
					return
				case <-t.C:
				}
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if sc.Err != nil {
			yield("", sc.Err)
		}
	}
}

// Split cuts s into pieces of at most size bytes.
func Split(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	out := make([]string, 0, len(s)/size+1)
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

var defaultResponses = map[string]string{
	"welcome": `{"immediate_display":{"reply":"Welcome! I will help you build a small website. What kind of site do you have in mind?"},` +
		`"interaction":{"type":"choices","prompt":"Pick a starting point","options":[` +
		`{"id":"portfolio","label":"Portfolio","value":"portfolio"},` +
		`{"id":"landing","label":"Landing page","value":"landing"},` +
		`{"id":"blog","label":"Blog","value":"blog"}]},` +
		`"system_state":{"intent":"advance","stage":"welcome","progress":20,"done":false}}`,

	"info_collection": `{"immediate_display":{"reply":"Great choice. Tell me the name and a one line description."},` +
		`"interaction":{"type":"form","prompt":"About the site","fields":[` +
		`{"name":"title","label":"Site name","type":"text","required":true},` +
		`{"name":"tagline","label":"Tagline","type":"text"}]},` +
		`"system_state":{"intent":"advance","stage":"info_collection","progress":40,"done":false,` +
		`"metadata":{"collected":{"kind":"portfolio"}}}}`,

	"design": `{"immediate_display":{"reply":"Here is the design: a single page with a hero, a project grid and a contact footer."},` +
		`"system_state":{"intent":"advance","stage":"design","progress":60,"done":false,` +
		`"metadata":{"design":{"palette":["#0f172a","#f8fafc","#38bdf8"],"sections":["hero","projects","contact"]}}}}`,

	"coding": `{"immediate_display":{"reply":"Generating your files now."},"files":[` +
		`{"filename":"index.html","content":"<!doctype html>\n<html>\n<head>\n  <link rel=\"stylesheet\" href=\"style.css\">\n</head>\n<body>\n  <h1>Hello</h1>\n</body>\n</html>\n","description":"Page markup"},` +
		`{"filename":"style.css","content":"body {\n  font-family: sans-serif;\n  color: #0f172a;\n}\n","description":"Styles"}],` +
		`"system_state":{"intent":"complete","stage":"coding","progress":100,"done":true}}`,
}
