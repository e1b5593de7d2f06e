package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pagesmith/internal/domain"
)

const recorded = `{"immediate_display":{"reply":"Hello there, what are we building?"},` +
	`"system_state":{"intent":"advance","stage":"welcome","progress":100,"done":false}}`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeLines(t *testing.T, s string) []domain.PartialResponse {
	t.Helper()
	var out []domain.PartialResponse
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var snap domain.PartialResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &snap))
		out = append(out, snap)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestReplayPrintsGrowingSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "welcome.json")
	require.NoError(t, os.WriteFile(path, []byte(recorded), 0o600))

	out, err := execute(t, "", "replay", path, "--chunk", "7")
	require.NoError(t, err)

	snaps := decodeLines(t, out)
	require.Greater(t, len(snaps), 1)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, len(snaps[i].Reply()), len(snaps[i-1].Reply()))
	}
	assert.Equal(t, "Hello there, what are we building?", snaps[len(snaps)-1].Reply())
}

func TestReplayFinalFromStdin(t *testing.T) {
	out, err := execute(t, recorded, "replay", "-", "--final")
	require.NoError(t, err)

	snaps := decodeLines(t, out)
	require.Len(t, snaps, 1)
	assert.Equal(t, "Hello there, what are we building?", snaps[0].Reply())
}

func TestReplayTruncatedDocumentKeepsPartialReply(t *testing.T) {
	out, err := execute(t, `{"immediate_display":{"reply":"cut off`, "replay", "-", "--final", "--validate=false")
	require.NoError(t, err)

	snaps := decodeLines(t, out)
	require.Len(t, snaps, 1)
	assert.Contains(t, snaps[0].Reply(), "cut")
}

func TestReplayRejectsUnknownStage(t *testing.T) {
	_, err := execute(t, recorded, "replay", "-", "--stage", "launch")
	assert.ErrorIs(t, err, domain.ErrInvalidStage)
}

func TestStagesListsOrder(t *testing.T) {
	out, err := execute(t, "", "stages")
	require.NoError(t, err)

	var got []stageInfo
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var s stageInfo
		require.NoError(t, dec.Decode(&s))
		got = append(got, s)
	}
	require.Len(t, got, len(domain.Stages()))
	assert.Equal(t, domain.StageWelcome, got[0].Stage)
	assert.Equal(t, "welcome_agent", got[0].Agent)
	last := got[len(got)-1]
	assert.Equal(t, domain.StageDone, last.Stage)
	assert.True(t, last.Terminal)
	assert.Empty(t, last.Agent)
}

func TestCheckMemoryStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("MODEL_PROVIDER", "scripted")

	out, err := execute(t, "", "check")
	require.NoError(t, err)

	var rep checkReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "memory", rep.Store)
	assert.Equal(t, "scripted", rep.Provider)
}
