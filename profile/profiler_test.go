package profile

import (
	"errors"
	"strings"
	"testing"

	"github.com/Octogonapus/PipelineBenchmark/target/targettest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfiler(t *testing.T) {
	_, err := NewProfiler(None, targettest.New())
	assert.Error(t, err)

	_, err = NewProfiler("gprof", targettest.New())
	assert.Error(t, err)

	p, err := NewProfiler(Perf, targettest.New())
	require.NoError(t, err)
	assert.NotNil(t, p)

	assert.Equal(t, `"none", "perf", "vtune"`, ExplainProfilers())
}

func TestPerfProfileCommand(t *testing.T) {
	tgt := targettest.New().On("perf record", "stage output", nil)
	p := NewPerf(tgt)
	require.NoError(t, p.SetUp())

	out, result, err := p.ProfileCommand("casa -c cal.py", "/work/it0")
	require.NoError(t, err)
	assert.Equal(t, "stage output", string(out))
	assert.True(t, strings.HasPrefix(result, "/work/it0/perf-"))
	assert.True(t, strings.HasSuffix(result, ".data"))

	cmds := tgt.CommandsContaining("perf record")
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0], "sh -c 'casa -c cal.py'")
}

func TestVTuneNotInstalled(t *testing.T) {
	tgt := targettest.New().On("test -r", "", errors.New("exit status 1"))
	assert.Error(t, NewVTune(tgt).SetUp())
}

func TestVTuneProfileCommand(t *testing.T) {
	tgt := targettest.New()
	_, result, err := NewVTune(tgt).ProfileCommand("casa -c im.py", "/work/it1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result, "/work/it1/vtune-"))
	assert.True(t, strings.HasSuffix(result, ".tar.gz"))
	assert.Len(t, tgt.CommandsContaining("tar -czf"), 1)
}
