package fiber

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiber.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
concurrency = 3
epoll_threads = 2
run_queue_capacity = 128
max_stacks = 100
default_stack_type = "small"
timer_buckets = 5
lock_os_thread = true
log_level = "debug"
`), 0o600))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	want := Config{
		DefaultStackType: "small",
		LogLevel:         "debug",
		Concurrency:      3,
		EpollThreads:     2,
		RunQueueCapacity: 128,
		MaxStacks:        100,
		TimerBuckets:     5,
		LockOSThread:     true,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	opts, err := c.Options()
	require.NoError(t, err)
	resolved, err := resolveOptions(opts)
	require.NoError(t, err)
	assert.Equal(t, 3, resolved.concurrency)
	assert.Equal(t, 2, resolved.epollThreads)
	assert.Equal(t, 128, resolved.runQueueCapacity)
	assert.Equal(t, 100, resolved.maxStacks)
	assert.Equal(t, 100, resolved.idleStacks)
	assert.Equal(t, StackTypeSmall, resolved.defaultStackType)
	assert.Equal(t, 5, resolved.timerBuckets)
	assert.True(t, resolved.lockOSThread)

	level, err := c.Level()
	require.NoError(t, err)
	assert.Equal(t, logiface.LevelDebug, level)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = DecodeConfig(strings.NewReader(`concurrency = 1
unknown_key = true`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_key")

	_, err = DecodeConfig(strings.NewReader(`concurrency = "many"`))
	assert.Error(t, err)
}

func TestConfigFromLookup(t *testing.T) {
	env := map[string]string{
		EnvConcurrency:      " 6 ",
		EnvEpollThreads:     "2",
		EnvRunQueueCapacity: "",
		EnvStackType:        "large",
		EnvLockOSThread:     "true",
		EnvLogLevel:         "warn",
	}
	c, err := configFromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	if diff := cmp.Diff(Config{
		DefaultStackType: "large",
		LogLevel:         "warn",
		Concurrency:      6,
		EpollThreads:     2,
		LockOSThread:     true,
	}, c); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	env[EnvMaxStacks] = "lots"
	_, err = configFromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorContains(t, err, EnvMaxStacks)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvConcurrency, "2")
	t.Setenv(EnvTimerBuckets, "7")
	c, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, c.Concurrency)
	assert.Equal(t, 7, c.TimerBuckets)
}

func TestConfig_Merge(t *testing.T) {
	base := Config{Concurrency: 4, LogLevel: "info", MaxStacks: 10}
	merged := base.Merge(Config{Concurrency: 8, DefaultStackType: "small"})
	assert.Equal(t, Config{Concurrency: 8, LogLevel: "info", MaxStacks: 10, DefaultStackType: "small"}, merged)
}

func TestConfig_InvalidValues(t *testing.T) {
	_, err := Config{DefaultStackType: "huge"}.Options()
	assert.Error(t, err)

	_, err = Config{LogLevel: "loud"}.Level()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	opts, err := Config{Concurrency: -1}.Options()
	require.NoError(t, err)
	_, err = New(opts...)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConfig_Levels(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		"":         logiface.LevelInformational,
		"ERROR":    logiface.LevelError,
		"notice":   logiface.LevelNotice,
		"trace":    logiface.LevelTrace,
		"disabled": logiface.LevelDisabled,
		"crit":     logiface.LevelCritical,
	} {
		got, err := Config{LogLevel: in}.Level()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestDefaultMaxStacks(t *testing.T) {
	n := defaultMaxStacks()
	assert.GreaterOrEqual(t, n, 1<<12)
	assert.LessOrEqual(t, n, 1<<20)
}
