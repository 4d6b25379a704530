package config

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "jobmeshd", RunE: func(*cobra.Command, []string) error { return nil }}
	RegisterFlags(cmd)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ParseFlags(args))
	return FromFlags(cmd)
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, 51347, cfg.Port)
	assert.Equal(t, 51348, cfg.NodePort)
	assert.Equal(t, 51349, cfg.SchedulerPort)
	assert.Equal(t, 10*time.Second, cfg.PulseInterval)
	assert.Equal(t, 60*time.Minute, cfg.ZombieInterval)
	assert.Equal(t, int64(0), cfg.MaxFileSize)
	assert.False(t, cfg.Clean)
}

func TestMaxFileSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"512":  512,
		"10k":  10 << 10,
		"10K":  10 << 10,
		"4m":   4 << 20,
		"2g":   2 << 30,
		"1t":   1 << 40,
	}
	for raw, want := range cases {
		got, err := ParseSize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestMaxFileSizeRejectsGarbage(t *testing.T) {
	_, err := ParseSize("not-a-size")
	assert.Error(t, err)

	_, err = ParseSize("-5")
	assert.Error(t, err)
}

func TestPulseIntervalOutOfRangeRejected(t *testing.T) {
	_, err := parse(t, "--pulse_interval=0")
	assert.Error(t, err)

	_, err = parse(t, "--pulse_interval=1001")
	assert.Error(t, err)
}

func TestZombieIntervalMustBeAtLeastOneMinute(t *testing.T) {
	_, err := parse(t, "--zombie_interval=0")
	assert.Error(t, err)
}

func TestPulseIntervalAutoBoundedByZombieInterval(t *testing.T) {
	cfg, err := parse(t, "--zombie_interval=1", "--pulse_interval=30")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, cfg.PulseInterval, "pulse_interval clamps to zombie_interval/5")
}

func TestRepeatableFlags(t *testing.T) {
	cfg, err := parse(t, "--nodes=10.0.0.1", "--nodes=10.0.0.2", "-i=0.0.0.0")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Nodes)
	assert.Equal(t, []string{"0.0.0.0"}, cfg.IPAddrs)
}
