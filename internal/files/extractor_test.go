package files

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pagesmith/internal/domain"
)

const twoFiles = `{"immediate_display":{"reply":"Writing files"},"files":[` +
	`{"filename":"index.html","content":"<html>\n\t<h1 class=\"t\">Hi</h1>\n</html>","description":"entry"},` +
	`{"filename":"assets/style.css","language":"css","content":"body { color: red; }\npre { tab-size: 2; }"}` +
	`],"system_state":{"stage":"coding","progress":100,"done":true}}`

func feed(e *Extractor, chunks ...string) []Signal {
	var out []Signal
	for _, c := range chunks {
		out = append(out, e.Feed(c)...)
	}
	return out
}

func kinds(sigs []Signal) []string {
	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, string(s.Kind)+":"+s.File.Filename)
	}
	return out
}

func TestExtractorTwoFilesInterleavedChunks(t *testing.T) {
	t.Parallel()

	e := NewExtractor()

	sigs := e.Feed(`{"files":[{"filename":"index.html","content":"<h1>`)
	assert.Equal(t, []string{"new_file:index.html"}, kinds(sigs))
	assert.Equal(t, domain.FileStreaming, sigs[0].File.Status)
	assert.Equal(t, "<h1>", sigs[0].File.Content)

	// The first record closes in the same chunk that starts the second file's content.
	sigs = e.Feed(`Hi</h1>"},{"filename":"style.css","content":"body{`)
	assert.Equal(t, []string{
		"content_update:index.html",
		"completed:index.html",
		"new_file:style.css",
	}, kinds(sigs))

	sigs = e.Feed(`color:red}"}]}`)
	assert.Equal(t, []string{"content_update:style.css", "completed:style.css"}, kinds(sigs))
	assert.True(t, e.Done())

	got := e.Files()
	require.Len(t, got, 2)
	assert.Equal(t, "<h1>Hi</h1>", got[0].Content)
	assert.Equal(t, "body{color:red}", got[1].Content)
	for _, f := range got {
		assert.Equal(t, domain.FileCompleted, f.Status)
		assert.Equal(t, 100, f.Progress)
	}
}

func TestExtractorDecodesEscapesAndInfersLanguage(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	feed(e, twoFiles)
	got := e.Files()
	require.Len(t, got, 2)

	assert.Equal(t, "<html>\n\t<h1 class=\"t\">Hi</h1>\n</html>", got[0].Content)
	assert.Equal(t, "html", got[0].Language)
	assert.Equal(t, "markup", got[0].Type)
	assert.Equal(t, "entry", got[0].Description)

	assert.Equal(t, "css", got[1].Language)
	assert.Equal(t, "style", got[1].Type)
}

func TestExtractorOpenContentIsReadable(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	sigs := e.Feed(`{"files":[{"filename":"a.js","content":"const x = \"a\`)
	require.Len(t, sigs, 1)
	// The dangling backslash is held back until its escape completes.
	assert.Equal(t, `const x = "a`, sigs[0].File.Content)

	sigs = e.Feed(`nb`)
	require.Len(t, sigs, 1)
	assert.Equal(t, SignalContentUpdate, sigs[0].Kind)
	assert.Equal(t, "const x = \"a\nb", sigs[0].File.Content)
}

func TestExtractorIgnoresEscapedKeysInContent(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	feed(e, `{"note":"\"files\":[{\"filename\":\"fake\"}]","files":[`,
		`{"filename":"real.md","content":"say \"filename\": \"nope\""}]}`)

	got := e.Files()
	require.Len(t, got, 1)
	assert.Equal(t, "real.md", got[0].Filename)
	assert.Equal(t, `say "filename": "nope"`, got[0].Content)
	assert.Equal(t, "markdown", got[0].Language)
}

func TestExtractorWaitsForFilename(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	assert.Empty(t, e.Feed(`{"files":[{"content":"early","filename":"ind`))
	sigs := e.Feed(`ex.html"`)
	require.Len(t, sigs, 1)
	assert.Equal(t, SignalNewFile, sigs[0].Kind)
	assert.Equal(t, "early", sigs[0].File.Content)
}

func TestExtractorFileWithoutContentStreamsBeforeCompleting(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	sigs := e.Feed(`{"files":[{"filename":"a.html","description":"x"}]}`)
	assert.Equal(t, []string{
		"new_file:a.html",
		"content_update:a.html",
		"completed:a.html",
	}, kinds(sigs))

	prev := sigs[0].File.Status
	assert.Equal(t, domain.FilePending, prev)
	for _, s := range sigs[1:] {
		assert.True(t, prev.CanTransition(s.File.Status), "%s -> %s", prev, s.File.Status)
		prev = s.File.Status
	}
	got := e.Files()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Content)
	assert.Equal(t, domain.FileCompleted, got[0].Status)
}

func TestExtractorSkipsNestedFilesKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks []string
	}{
		{"whole", []string{`{"system_state":{"metadata":{"files":[]}},"files":[{"filename":"a.html","content":"x"}]}`}},
		{"split", []string{`{"system_state":{"metadata":{"fil`, `es":[{"filename":"meta.txt"}]}},"fi`, `les":[{"filename":"a.html","content":"x"}]}`}},
		{"nested array", []string{`{"interaction":{"options":[{"files":["b.css"]}]},"files":[{"filename":"a.html","content":"x"}]}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewExtractor()
			feed(e, tt.chunks...)
			assert.True(t, e.Done())
			got := e.Files()
			require.Len(t, got, 1)
			assert.Equal(t, "a.html", got[0].Filename)
			assert.Equal(t, "x", got[0].Content)
			assert.Equal(t, domain.FileCompleted, got[0].Status)
		})
	}
}

func TestExtractorCompletedFilesAreImmutable(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	feed(e, `{"files":[{"filename":"a.txt","content":"v1"},`)
	sigs := e.Feed(`{"filename":"a.txt","content":"v2"}]}`)
	assert.Empty(t, sigs)

	got := e.Files()
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].Content)
	assert.Equal(t, domain.FileCompleted, got[0].Status)
}

func TestExtractorFinishAndAbort(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	feed(e, `{"files":[{"filename":"a.txt","content":"done"},{"filename":"b.txt","content":"half`)

	sigs := e.Finish()
	assert.Equal(t, []string{"error:b.txt"}, kinds(sigs))

	got := e.Files()
	assert.Equal(t, domain.FileCompleted, got[0].Status)
	assert.Equal(t, domain.FileError, got[1].Status)

	assert.Empty(t, e.Feed(`"}]}`), "no signals after finish")
	assert.Empty(t, e.Abort(), "nothing left to abort")
}

func TestExtractorWithoutFilesArray(t *testing.T) {
	t.Parallel()

	e := NewExtractor()
	assert.Empty(t, feed(e, `{"immediate_display":{"reply":"the files are coming"}`, `,"files": "none"}`))
	assert.Nil(t, e.Files())
	assert.Empty(t, e.Finish())
}

func TestEstimateStaysBelowCompletion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, estimate(0))
	assert.Equal(t, 50, estimate(progressScale))
	assert.Equal(t, streamingCap, estimate(1<<30))
}

func TestInfer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		language string
		category string
	}{
		{"index.HTML", "html", "markup"},
		{"src/app.tsx", "typescript", "component"},
		{"config.yml", "yaml", "config"},
		{"Makefile", "text", "other"},
		{"logo.svg", "svg", "asset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lang, cat := Infer(tt.name)
			assert.Equal(t, tt.language, lang)
			assert.Equal(t, tt.category, cat)
		})
	}
}

func TestExtractorMonotonicProgressProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	want := NewExtractor()
	want.Feed(twoFiles)
	wantFiles := want.Files()

	properties.Property("progress never decreases and completion is final", prop.ForAll(
		func(sizes []int) bool {
			e := NewExtractor()
			last := map[string]int{}
			status := map[string]domain.FileStatus{}
			completed := map[string]string{}
			for _, c := range chunk(twoFiles, sizes) {
				for _, s := range e.Feed(c) {
					f := s.File
					if prev, ok := status[f.Filename]; ok && !prev.CanTransition(f.Status) {
						return false
					}
					status[f.Filename] = f.Status
					if content, ok := completed[f.Filename]; ok && content != f.Content {
						return false
					}
					if f.Progress < last[f.Filename] {
						return false
					}
					last[f.Filename] = f.Progress
					switch f.Status {
					case domain.FileStreaming:
						if f.Progress > streamingCap {
							return false
						}
					case domain.FileCompleted:
						if f.Progress != 100 {
							return false
						}
						completed[f.Filename] = f.Content
					}
				}
			}
			got := e.Files()
			if len(got) != len(wantFiles) {
				return false
			}
			for i := range got {
				if got[i] != wantFiles[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 23)),
	))

	properties.TestingRun(t)
}

func chunk(s string, sizes []int) []string {
	if len(sizes) == 0 {
		return []string{s}
	}
	var out []string
	for i := 0; len(s) > 0; i++ {
		n := min(sizes[i%len(sizes)], len(s))
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}
