package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ServiceSupervisor locates, optionally spawns, and health-checks the
// analysis backend. The backend binds the first free port in a known range,
// so discovery is a bounded sweep of that range probing GET /api/health.
// The first healthy endpoint is cached and served to every caller until
// Stop or a restart.
type ServiceSupervisor struct {
	settings BackendSettings
	log      *Logger
	probe    *http.Client

	mu       sync.Mutex
	endpoint string
	cmd      *exec.Cmd
	exited   chan error
}

func NewServiceSupervisor(settings BackendSettings, log *Logger) *ServiceSupervisor {
	return &ServiceSupervisor{
		settings: settings,
		log:      log,
		probe: &http.Client{
			Timeout: time.Duration(settings.ProbeTimeoutMillis) * time.Millisecond,
		},
	}
}

// Start spawns the backend when supervised and blocks until a healthy
// endpoint is discovered or the bounded startup window is exhausted.
func (s *ServiceSupervisor) Start(ctx context.Context) error {
	if s.supervised() {
		if err := s.spawn(); err != nil {
			return fmt.Errorf("spawn backend: %w", err)
		}
	}

	endpoint, err := s.discover(ctx)
	if err != nil {
		s.Stop()
		return err
	}

	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	s.log.Info("backend endpoint discovered", map[string]interface{}{"endpoint": endpoint})
	return nil
}

func (s *ServiceSupervisor) supervised() bool {
	return strings.EqualFold(s.settings.Mode, "supervised") && strings.TrimSpace(s.settings.Command) != ""
}

func (s *ServiceSupervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.settings.Command, s.settings.Args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	s.cmd = cmd
	s.exited = exited
	s.log.Info("backend process started", map[string]interface{}{"pid": cmd.Process.Pid})
	return nil
}

// discover waits out the startup grace period, then sweeps the port range at
// a fixed interval with a mild backoff, up to MaxSweeps attempts. A backend
// process exiting early aborts discovery immediately.
func (s *ServiceSupervisor) discover(ctx context.Context) (string, error) {
	grace := time.Duration(s.settings.StartupGraceSeconds) * time.Second
	interval := time.Duration(s.settings.SweepIntervalSeconds) * time.Second

	if err := s.wait(ctx, grace); err != nil {
		return "", err
	}

	for attempt := 1; attempt <= s.settings.MaxSweeps; attempt++ {
		if endpoint, ok := s.sweep(ctx); ok {
			return endpoint, nil
		}
		delay := interval
		if attempt > 10 {
			delay = interval * 2
		}
		if err := s.wait(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no healthy port in %d-%d after %d sweeps",
		ErrDiscoveryTimeout, s.settings.PortStart, s.settings.PortEnd, s.settings.MaxSweeps)
}

func (s *ServiceSupervisor) wait(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-exited:
		return fmt.Errorf("%w: backend process exited before becoming healthy: %v", ErrDiscoveryTimeout, err)
	case <-timer.C:
		return nil
	}
}

func (s *ServiceSupervisor) sweep(ctx context.Context) (string, bool) {
	for port := s.settings.PortStart; port <= s.settings.PortEnd; port++ {
		if ctx.Err() != nil {
			return "", false
		}
		endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
		if s.healthy(ctx, endpoint) {
			return endpoint, true
		}
	}
	return "", false
}

// healthy probes one candidate. Connection refused or reset just means the
// backend is not listening there yet.
func (s *ServiceSupervisor) healthy(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// Endpoint returns the cached base URL. Callers get an error until discovery
// has succeeded.
func (s *ServiceSupervisor) Endpoint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == "" {
		return "", errors.New("backend endpoint not discovered yet")
	}
	return s.endpoint, nil
}

// Stop terminates the owned process when supervised; a no-op otherwise.
func (s *ServiceSupervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.endpoint = ""
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	s.log.Info("backend process stopped", map[string]interface{}{"pid": cmd.Process.Pid})
}
