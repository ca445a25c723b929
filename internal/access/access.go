// Package access grants and revokes network access for client IPs. The
// portal treats it as an external collaborator: sessions decide when a
// device deserves access, this package applies it to the forwarding path.
package access

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Controller is the narrow interface the session layer drives.
type Controller interface {
	// Grant allows forwarding for ip for roughly the given duration. The
	// duration is advisory: expiry is enforced by the session sweep, which
	// calls Revoke.
	Grant(ip string, duration time.Duration) error
	// Revoke removes forwarding for ip. Revoking an unknown ip is a no-op.
	Revoke(ip string) error
	// IsAllowed reports whether ip currently has access.
	IsAllowed(ip string) bool
	// ListAllowed returns every ip with access.
	ListAllowed() []string
}

// Memory is the in-process controller used for development and tests.
type Memory struct {
	mu      sync.Mutex
	allowed map[string]struct{}
	logger  *slog.Logger
}

func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{allowed: make(map[string]struct{}), logger: logger}
}

func (c *Memory) Grant(ip string, duration time.Duration) error {
	c.mu.Lock()
	c.allowed[ip] = struct{}{}
	c.mu.Unlock()
	c.logger.Info("access granted", "ip", ip, "duration", duration)
	return nil
}

func (c *Memory) Revoke(ip string) error {
	c.mu.Lock()
	delete(c.allowed, ip)
	c.mu.Unlock()
	c.logger.Info("access revoked", "ip", ip)
	return nil
}

func (c *Memory) IsAllowed(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allowed[ip]
	return ok
}

func (c *Memory) ListAllowed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ips := make([]string, 0, len(c.allowed))
	for ip := range c.allowed {
		ips = append(ips, ip)
	}
	return ips
}

// Iptables manipulates FORWARD rules on the gateway. DryRun logs the
// commands without running them, which keeps tests and dev machines safe.
type Iptables struct {
	mu      sync.Mutex
	allowed map[string]struct{}
	dryRun  bool
	logger  *slog.Logger

	run func(args ...string) error
}

func NewIptables(dryRun bool, logger *slog.Logger) *Iptables {
	c := &Iptables{
		allowed: make(map[string]struct{}),
		dryRun:  dryRun,
		logger:  logger,
	}
	c.run = c.execIptables
	return c
}

func (c *Iptables) execIptables(args ...string) error {
	c.logger.Debug("iptables", "args", args, "dry_run", c.dryRun)
	if c.dryRun {
		return nil
	}
	out, err := exec.Command("iptables", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %v: %w: %s", args, err, out)
	}
	return nil
}

func (c *Iptables) Grant(ip string, duration time.Duration) error {
	c.mu.Lock()
	_, known := c.allowed[ip]
	c.mu.Unlock()
	if known {
		// One rule per IP; window extensions re-grant the same address.
		return nil
	}

	if err := c.run("-I", "FORWARD", "-s", ip, "-j", "ACCEPT"); err != nil {
		c.logger.Error("grant rule", "ip", ip, "error", err)
		return err
	}
	c.mu.Lock()
	c.allowed[ip] = struct{}{}
	c.mu.Unlock()
	c.logger.Info("access granted", "ip", ip, "duration", duration)
	return nil
}

func (c *Iptables) Revoke(ip string) error {
	c.mu.Lock()
	_, known := c.allowed[ip]
	c.mu.Unlock()
	if !known {
		return nil
	}

	if err := c.run("-D", "FORWARD", "-s", ip, "-j", "ACCEPT"); err != nil {
		c.logger.Error("revoke rule", "ip", ip, "error", err)
		return err
	}
	c.mu.Lock()
	delete(c.allowed, ip)
	c.mu.Unlock()
	c.logger.Info("access revoked", "ip", ip)
	return nil
}

func (c *Iptables) IsAllowed(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allowed[ip]
	return ok
}

func (c *Iptables) ListAllowed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ips := make([]string, 0, len(c.allowed))
	for ip := range c.allowed {
		ips = append(ips, ip)
	}
	return ips
}
