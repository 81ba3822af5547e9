package fiber

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-fiber/internal/stack"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
)

// Config is the file (TOML) and environment representation of the group
// options. Zero fields keep their defaults.
type Config struct {
	DefaultStackType string `toml:"default_stack_type"`
	LogLevel         string `toml:"log_level"`
	Concurrency      int    `toml:"concurrency"`
	EpollThreads     int    `toml:"epoll_threads"`
	RunQueueCapacity int    `toml:"run_queue_capacity"`
	MaxStacks        int    `toml:"max_stacks"`
	TimerBuckets     int    `toml:"timer_buckets"`
	LockOSThread     bool   `toml:"lock_os_thread"`
}

// Environment variables read by [ConfigFromEnv].
const (
	EnvConcurrency      = "FIBER_CONCURRENCY"
	EnvEpollThreads     = "FIBER_EPOLL_THREADS"
	EnvRunQueueCapacity = "FIBER_RUNQUEUE_CAPACITY"
	EnvMaxStacks        = "FIBER_MAX_STACKS"
	EnvStackType        = "FIBER_STACK_TYPE"
	EnvTimerBuckets     = "FIBER_TIMER_BUCKETS"
	EnvLockOSThread     = "FIBER_LOCK_OS_THREAD"
	EnvLogLevel         = "FIBER_LOG_LEVEL"
)

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("fiber: load config %s: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("fiber: load config %s: unknown keys %v", path, keys)
	}
	return c, nil
}

// DecodeConfig reads a TOML config from r.
func DecodeConfig(r io.Reader) (Config, error) {
	var c Config
	md, err := toml.NewDecoder(r).Decode(&c)
	if err != nil {
		return Config{}, fmt.Errorf("fiber: decode config: %w", err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("fiber: decode config: unknown keys %v", keys)
	}
	return c, nil
}

// ConfigFromEnv reads the FIBER_* environment variables. Unset variables
// leave the corresponding field zero.
func ConfigFromEnv() (Config, error) {
	return configFromLookup(os.LookupEnv)
}

func configFromLookup(lookup func(string) (string, bool)) (c Config, err error) {
	ints := []struct {
		dst *int
		key string
	}{
		{&c.Concurrency, EnvConcurrency},
		{&c.EpollThreads, EnvEpollThreads},
		{&c.RunQueueCapacity, EnvRunQueueCapacity},
		{&c.MaxStacks, EnvMaxStacks},
		{&c.TimerBuckets, EnvTimerBuckets},
	}
	for _, v := range ints {
		s, ok := lookup(v.key)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if *v.dst, err = strconv.Atoi(strings.TrimSpace(s)); err != nil {
			return Config{}, fmt.Errorf("fiber: env %s: %w", v.key, err)
		}
	}
	if s, ok := lookup(EnvLockOSThread); ok && strings.TrimSpace(s) != "" {
		if c.LockOSThread, err = strconv.ParseBool(strings.TrimSpace(s)); err != nil {
			return Config{}, fmt.Errorf("fiber: env %s: %w", EnvLockOSThread, err)
		}
	}
	c.DefaultStackType, _ = lookup(EnvStackType)
	c.LogLevel, _ = lookup(EnvLogLevel)
	return c, nil
}

// Merge returns c with the non-zero fields of o applied over it.
func (c Config) Merge(o Config) Config {
	if o.DefaultStackType != "" {
		c.DefaultStackType = o.DefaultStackType
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Concurrency != 0 {
		c.Concurrency = o.Concurrency
	}
	if o.EpollThreads != 0 {
		c.EpollThreads = o.EpollThreads
	}
	if o.RunQueueCapacity != 0 {
		c.RunQueueCapacity = o.RunQueueCapacity
	}
	if o.MaxStacks != 0 {
		c.MaxStacks = o.MaxStacks
	}
	if o.TimerBuckets != 0 {
		c.TimerBuckets = o.TimerBuckets
	}
	if o.LockOSThread {
		c.LockOSThread = true
	}
	return c
}

// Options converts the config to group options. LogLevel is not included,
// see [Config.Level].
func (c Config) Options() ([]Option, error) {
	var opts []Option
	if c.Concurrency != 0 {
		opts = append(opts, WithConcurrency(c.Concurrency))
	}
	if c.EpollThreads != 0 {
		opts = append(opts, WithEpollThreads(c.EpollThreads))
	}
	if c.RunQueueCapacity != 0 {
		opts = append(opts, WithRunQueueCapacity(c.RunQueueCapacity))
	}
	if c.MaxStacks != 0 {
		opts = append(opts, WithMaxStacks(c.MaxStacks))
	}
	if c.TimerBuckets != 0 {
		opts = append(opts, WithTimerBuckets(c.TimerBuckets))
	}
	if c.DefaultStackType != "" {
		t, err := stack.ParseType(c.DefaultStackType)
		if err != nil {
			return nil, fmt.Errorf("fiber: config: %w", err)
		}
		opts = append(opts, WithDefaultStackType(t))
	}
	if c.LockOSThread {
		opts = append(opts, WithLockOSThread(true))
	}
	return opts, nil
}

// Level parses LogLevel, defaulting to informational.
func (c Config) Level() (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidArgument, c.LogLevel)
	}
}

// defaultMaxStacks allows stacks to consume up to a quarter of physical
// memory, at their nominal size, within sane bounds.
func defaultMaxStacks() int {
	const (
		lo = 1 << 12
		hi = 1 << 20
	)
	total := memory.TotalMemory()
	if total == 0 {
		return 1 << 16
	}
	n := total / 4 / uint64(StackTypeSmall.Size())
	return int(min(max(n, lo), hi))
}
