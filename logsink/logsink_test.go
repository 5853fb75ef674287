package logsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(s.Bytes(), &m), s.Text())
		out = append(out, m)
	}
	require.NoError(t, s.Err())
	return out
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return decodeLines(t, b)
}

func TestDefaultPaths(t *testing.T) {
	p := DefaultPaths(filepath.Join(`var`, `logs`))
	assert.Equal(t, Paths{
		Exception: filepath.Join(`var`, `logs`, `exception.log`),
		Crash:     filepath.Join(`var`, `logs`, `crash.log`),
		Trace:     filepath.Join(`var`, `logs`, `trace.log`),
	}, p)
}

func TestOpen_emptyPath(t *testing.T) {
	p := DefaultPaths(t.TempDir())
	p.Crash = ``
	s, err := Open(p)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestOpen_createsDirectory(t *testing.T) {
	p := DefaultPaths(filepath.Join(t.TempDir(), `nested`, `logs`))
	s, err := Open(p)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	for _, path := range []string{p.Exception, p.Crash, p.Trace} {
		assert.FileExists(t, path)
	}
}

func TestOpen_rotation(t *testing.T) {
	p := DefaultPaths(t.TempDir())

	s, err := Open(p)
	require.NoError(t, err)
	s.Exception().Err().Log(`first exception`)
	s.Crash().Err().Log(`first crash`)
	s.Trace().Info().Log(`first trace`)
	require.NoError(t, s.Close())

	s, err = Open(p)
	require.NoError(t, err)
	s.Exception().Err().Log(`second exception`)
	s.Crash().Err().Log(`second crash`)
	require.NoError(t, s.Close())

	// exception: truncated, previous run kept once
	lines := readLines(t, p.Exception)
	require.Len(t, lines, 1)
	assert.Equal(t, `second exception`, lines[0][`msg`])
	rotated := readLines(t, p.Exception+RotatedSuffix)
	require.Len(t, rotated, 1)
	assert.Equal(t, `first exception`, rotated[0][`msg`])

	// trace: truncated, empty this run
	assert.Empty(t, readLines(t, p.Trace))
	assert.Len(t, readLines(t, p.Trace+RotatedSuffix), 1)

	// crash: preserved across runs
	lines = readLines(t, p.Crash)
	require.Len(t, lines, 2)
	assert.Equal(t, `first crash`, lines[0][`msg`])
	assert.Equal(t, `second crash`, lines[1][`msg`])
	assert.NoFileExists(t, p.Crash+RotatedSuffix)

	// a third run replaces the rotated copy
	s, err = Open(p)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	rotated = readLines(t, p.Exception+RotatedSuffix)
	require.Len(t, rotated, 1)
	assert.Equal(t, `second exception`, rotated[0][`msg`])
}

func TestOpen_fields(t *testing.T) {
	p := DefaultPaths(t.TempDir())
	s, err := Open(p)
	require.NoError(t, err)
	s.Exception().Err().Err(errors.New(`boom`)).Str(`kind`, `recoverable`).Log(`fault`)
	require.NoError(t, s.Close())

	lines := readLines(t, p.Exception)
	require.Len(t, lines, 1)
	assert.Equal(t, `fault`, lines[0][`msg`])
	assert.Equal(t, `boom`, lines[0][`err`])
	assert.Equal(t, `recoverable`, lines[0][`kind`])
	assert.NotEmpty(t, lines[0][`time`])
}

func TestNewWriters_lineShape(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriters(&buf, nil, nil)
	s.Exception().Err().Str(`kind`, `exception`).Err(errors.New(`boom`)).Log(`recoverable fault`)

	// one JSON object per line, timestamp first
	assert.True(t, strings.HasPrefix(buf.String(), `{"time":"`), buf.String())
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, map[string]any{
		`time`: lines[0][`time`],
		`lvl`:  `err`,
		`kind`: `exception`,
		`err`:  `boom`,
		`msg`:  `recoverable fault`,
	}, lines[0])
}

func TestSinks_CrashFile(t *testing.T) {
	p := DefaultPaths(t.TempDir())
	s, err := Open(p)
	require.NoError(t, err)
	defer s.Close()
	require.NotNil(t, s.CrashFile())
	assert.Equal(t, p.Crash, s.CrashFile().Name())

	assert.Nil(t, NewWriters(nil, nil, nil).CrashFile())
}

func TestSinks_Close_idempotent(t *testing.T) {
	s, err := Open(DefaultPaths(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestNewWriters(t *testing.T) {
	var exception, crash, trace bytes.Buffer
	s := NewWriters(&exception, &crash, &trace)

	s.Exception().Err().Log(`e`)
	s.Crash().Crit().Log(`c`)
	s.Trace().Debug().Log(`t`)
	// below the default level of the exception log
	s.Exception().Debug().Log(`dropped`)

	assert.Len(t, decodeLines(t, exception.Bytes()), 1)
	assert.Len(t, decodeLines(t, crash.Bytes()), 1)
	lines := decodeLines(t, trace.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, `t`, lines[0][`msg`])

	assert.NoError(t, s.Close())
}

func TestSinks_nil(t *testing.T) {
	var s *Sinks
	assert.Nil(t, s.Exception())
	assert.Nil(t, s.Crash())
	assert.Nil(t, s.Trace())
	assert.Nil(t, s.CrashFile())
	assert.NoError(t, s.Close())
	// nil loggers are disabled, not broken
	s.Exception().Err().Log(`ignored`)
}
