package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	logx "deepscrub/pkg/logx"
)

// Config controls how the ceph CLI is invoked.
type Config struct {
	Binary  string // default "ceph"
	Conf    string // --conf
	ID      string // --id (client name without "client.")
	Keyring string // --keyring

	SnapshotTimeout time.Duration // default 60s
	LaunchTimeout   time.Duration // default 30s
}

// Runner executes a command and returns stdout/stderr. Tests swap it out.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// CephCLI implements Client on top of the ceph command line tool.
type CephCLI struct {
	cfg Config
	log logx.Logger
	run Runner
}

func NewCephCLI(cfg Config, log logx.Logger) *CephCLI {
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = "ceph"
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 60 * time.Second
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CephCLI{cfg: cfg, log: log, run: newExecRunner(execWaitDelay)}
}

// WithRunner replaces the command runner.
func (c *CephCLI) WithRunner(r Runner) *CephCLI {
	if r != nil {
		c.run = r
	}
	return c
}

// execWaitDelay bounds how long Wait lingers on inherited pipes after the
// context killed the ceph process.
const execWaitDelay = 2 * time.Second

func newExecRunner(waitDelay time.Duration) Runner {
	return func(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.WaitDelay = waitDelay
		err := cmd.Run()
		return stdout.Bytes(), stderr.Bytes(), err
	}
}

func (c *CephCLI) baseArgs() []string {
	args := make([]string, 0, 8)
	if c.cfg.Conf != "" {
		args = append(args, "--conf", c.cfg.Conf)
	}
	if c.cfg.ID != "" {
		args = append(args, "--id", c.cfg.ID)
	}
	if c.cfg.Keyring != "" {
		args = append(args, "--keyring", c.cfg.Keyring)
	}
	return args
}

// Ping checks that the cluster answers a trivial command. Used once at startup.
func (c *CephCLI) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	defer cancel()
	args := append(c.baseArgs(), "status", "--format", "json")
	_, stderr, err := c.run(ctx, c.cfg.Binary, args...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, runError(ctx, err, stderr))
	}
	return nil
}

func (c *CephCLI) Snapshot(ctx context.Context) ([]Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	defer cancel()

	start := time.Now()
	args := append(c.baseArgs(), "pg", "dump", "--format", "json")
	stdout, stderr, err := c.run(ctx, c.cfg.Binary, args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrConnection, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSnapshotUnavailable, runError(ctx, err, stderr))
	}
	units, err := ParsePGDump(stdout)
	if err != nil {
		return nil, err
	}
	c.log.Debug("pg dump fetched", logx.Int("pgs", len(units)), logx.Duration("took", time.Since(start)))
	return units, nil
}

func (c *CephCLI) StartDeepScrub(ctx context.Context, pgid string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LaunchTimeout)
	defer cancel()

	args := append(c.baseArgs(), "pg", "deep-scrub", pgid)
	stdout, stderr, err := c.run(ctx, c.cfg.Binary, args...)
	// ceph prints the acknowledgement on stderr.
	out := strings.TrimSpace(string(stdout) + " " + string(stderr))
	if err != nil {
		return out, &LaunchError{PGID: pgid, Output: out, Err: runError(ctx, err, stderr)}
	}
	return out, nil
}

// runError keeps context.DeadlineExceeded and the exec error reachable through
// errors.Is/As and appends the first part of stderr.
func runError(ctx context.Context, err error, stderr []byte) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out: %w", context.DeadlineExceeded)
	}
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return err
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Errorf("%w: %s", err, msg)
}
