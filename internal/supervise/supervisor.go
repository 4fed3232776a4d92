// Package supervise starts a local gateway daemon when the resolved
// endpoint is loopback and nothing is listening there yet, then waits for
// the port to come up.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables consulted by the supervisor.
const (
	EnvCommand     = "ROOST_DAEMON_CMD"
	EnvArgs        = "ROOST_DAEMON_ARGS"
	EnvWorkDir     = "ROOST_DAEMON_CWD"
	EnvProjectRoot = "ROOST_PROJECT_ROOT"
	EnvNoAutostart = "ROOST_NO_AUTOSTART"
)

// loopbackHosts is the explicit allow-list: supervision never applies to a
// remote endpoint.
var loopbackHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
}

// Status reports what Ensure did.
type Status int

const (
	// StatusSkipped: endpoint is not loopback or autostart is opted out.
	StatusSkipped Status = iota
	// StatusAlreadyRunning: something already listens on the port.
	StatusAlreadyRunning
	// StatusStarted: a daemon was spawned and became reachable.
	StatusStarted
)

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusAlreadyRunning:
		return "already-running"
	case StatusStarted:
		return "started"
	default:
		return "unknown"
	}
}

// Supervisor spawns and waits for a loopback daemon instance.
type Supervisor struct {
	// Candidates are executable names searched, in order, when no explicit
	// launch command is configured.
	Candidates []string

	ProbeTimeout  time.Duration // per TCP probe (default 600ms)
	PollInterval  time.Duration // between probes while starting (default 300ms)
	StartDeadline time.Duration // overall budget for the daemon to come up (default 6s)

	lookup func(string) string
	logger *slog.Logger
}

// New creates a Supervisor with default timings.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		Candidates:    []string{"roostd", "roost-daemon"},
		ProbeTimeout:  600 * time.Millisecond,
		PollInterval:  300 * time.Millisecond,
		StartDeadline: 6 * time.Second,
		lookup:        os.Getenv,
		logger:        logger,
	}
}

// Ensure makes sure a daemon is reachable at the endpoint URL, spawning one
// when allowed and needed. It returns StatusSkipped without probing when
// supervision does not apply.
func (s *Supervisor) Ensure(ctx context.Context, rawURL string) (Status, error) {
	host, port, err := hostPort(rawURL)
	if err != nil {
		return StatusSkipped, err
	}
	if !loopbackHosts[host] {
		return StatusSkipped, nil
	}
	if v := strings.TrimSpace(s.lookup(EnvNoAutostart)); v == "1" || strings.EqualFold(v, "true") {
		s.logger.Debug("daemon autostart opted out")
		return StatusSkipped, nil
	}

	addr := net.JoinHostPort(host, port)
	if s.probe(addr) {
		return StatusAlreadyRunning, nil
	}

	argv, dir, err := s.launchCommand()
	if err != nil {
		return StatusSkipped, err
	}
	return s.spawnAndWait(ctx, addr, argv, dir)
}

// probe attempts one short bounded TCP connection.
func (s *Supervisor) probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, s.ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// launchCommand resolves what to run: the explicit env override, else the
// first candidate executable found on the constructed search path.
func (s *Supervisor) launchCommand() ([]string, string, error) {
	dir := strings.TrimSpace(s.lookup(EnvWorkDir))

	if cmd := strings.TrimSpace(s.lookup(EnvCommand)); cmd != "" {
		argv := []string{cmd}
		if args := strings.TrimSpace(s.lookup(EnvArgs)); args != "" {
			argv = append(argv, strings.Fields(args)...)
		}
		return argv, dir, nil
	}

	for _, name := range s.Candidates {
		if path, ok := s.findExecutable(name); ok {
			return []string{path}, dir, nil
		}
	}
	return nil, "", fmt.Errorf("supervise: no daemon executable found (tried %s)",
		strings.Join(s.Candidates, ", "))
}

// searchDirs builds the lookup order: project-local node_modules bin first,
// then the package manager global bin, then the system PATH.
func (s *Supervisor) searchDirs() []string {
	root := strings.TrimSpace(s.lookup(EnvProjectRoot))
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}

	var dirs []string
	if root != "" {
		dirs = append(dirs, filepath.Join(root, "node_modules", ".bin"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".npm-global", "bin"))
	}
	dirs = append(dirs, "/opt/homebrew/bin", "/usr/local/bin")
	dirs = append(dirs, filepath.SplitList(s.lookup("PATH"))...)
	return dirs
}

func (s *Supervisor) findExecutable(name string) (string, bool) {
	for _, dir := range s.searchDirs() {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return path, true
	}
	return "", false
}

// spawnAndWait starts the daemon detached and polls the port until it
// accepts connections or the deadline passes. A nonzero exit before the
// first successful probe is a terminal failure, surfaced with the captured
// stderr tail.
func (s *Supervisor) spawnAndWait(ctx context.Context, addr string, argv []string, dir string) (Status, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	detach(cmd)
	stdout := newRingBuffer(64 * 1024)
	stderr := newRingBuffer(64 * 1024)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return StatusSkipped, fmt.Errorf("supervise: start %s: %w", argv[0], err)
	}
	s.logger.Info("spawned gateway daemon", "command", argv[0], "pid", cmd.Process.Pid)

	// The daemon is intentionally not reaped on success: it outlives this
	// client process. Release once we know the outcome.
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.StartDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return StatusSkipped, ctx.Err()
		case err := <-exited:
			if err != nil {
				return StatusSkipped, fmt.Errorf("supervise: daemon exited before listening: %w (stderr: %s)",
					err, tail(stderr.String(), 512))
			}
			// A clean exit without ever listening is still a failure.
			return StatusSkipped, fmt.Errorf("supervise: daemon exited before listening (stderr: %s)",
				tail(stderr.String(), 512))
		case <-deadline.C:
			return StatusSkipped, fmt.Errorf("supervise: daemon not reachable at %s after %s", addr, s.StartDeadline)
		case <-ticker.C:
			if s.probe(addr) {
				return StatusStarted, nil
			}
		}
	}
}

func hostPort(rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("supervise: parse url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("supervise: url %q has no host", rawURL)
	}
	return host, port, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
