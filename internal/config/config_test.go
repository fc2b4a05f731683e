package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseArgs(t *testing.T, args []string) *Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return f
}

func TestBuildRequiresTarget(t *testing.T) {
	f := parseArgs(t, []string{"-output", "out"})
	_, err := f.Build(0)
	assert.Error(t, err)
	var cfgErr *Error
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuildDefaultsCheckpointPath(t *testing.T) {
	f := parseArgs(t, []string{"-target", "/bin/true", "-output", "myout"})
	cfg, err := f.Build(0)
	require.NoError(t, err)
	assert.Equal(t, "myout/checkpoints/checkpoint.json", cfg.CheckpointPath)
}

func TestBuildRejectsBadSeedSortStrategy(t *testing.T) {
	f := parseArgs(t, []string{"-target", "/bin/true", "-seed-sort-strategy", "bogus"})
	_, err := f.Build(0)
	assert.Error(t, err)
}

func TestBuildRejectsInitialSeedsOverMaxSeeds(t *testing.T) {
	f := parseArgs(t, []string{"-target", "/bin/true", "-max-seeds", "2"})
	_, err := f.Build(5)
	assert.Error(t, err)
}

func TestBuildSplitsArgsTemplate(t *testing.T) {
	f := parseArgs(t, []string{"-target", "/bin/true", "-args", "-flag @@ --other"})
	cfg, err := f.Build(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"-flag", "@@", "--other"}, cfg.Args)
}
