package routing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"log/slog"
)

// Reloader applies a written routing config to the running proxy.
type Reloader interface {
	Reload(ctx context.Context) error
	Close() error
}

// Service binds model subdomains to container endpoints by writing nginx
// server blocks and reloading the proxy.
type Service struct {
	configDir    string
	domainSuffix string
	reloader     Reloader
	logger       *slog.Logger
}

// New constructs a routing service. When containerName is non-empty the
// proxy is reloaded by signalling that container; otherwise reloadCmd runs
// on the host.
func New(configDir, domainSuffix, reloadCmd, containerName string, logger *slog.Logger) (*Service, error) {
	if configDir == "" {
		return nil, fmt.Errorf("routing config dir required")
	}
	var reloader Reloader
	var err error
	if strings.TrimSpace(containerName) != "" {
		reloader, err = newDockerReloader(containerName)
	} else {
		reloader = commandReloader{command: reloadCmd}
	}
	if err != nil {
		return nil, err
	}
	return &Service{
		configDir:    configDir,
		domainSuffix: domainSuffix,
		reloader:     reloader,
		logger:       logger,
	}, nil
}

// Bind points the subdomain at the given upstream and reloads the proxy.
// The previous binding stays in effect until the reload succeeds.
func (s *Service) Bind(ctx context.Context, subdomain, hostIP string, hostPort int) error {
	if subdomain == "" {
		return fmt.Errorf("subdomain required")
	}
	if hostPort <= 0 {
		return fmt.Errorf("invalid upstream port %d", hostPort)
	}
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}

	conf := s.renderServerBlock(subdomain, hostIP, hostPort)
	target := filepath.Join(s.configDir, subdomain+".conf")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("write routing config: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("install routing config: %w", err)
	}
	if err := s.reloader.Reload(ctx); err != nil {
		return fmt.Errorf("reload proxy: %w", err)
	}
	s.logger.Info("routing bound", "subdomain", subdomain, "upstream", fmt.Sprintf("%s:%d", hostIP, hostPort))
	return nil
}

// Endpoint returns the public address for a subdomain.
func (s *Service) Endpoint(subdomain string) string {
	return "https://" + subdomain + s.domainSuffix
}

// Close releases reloader resources.
func (s *Service) Close() {
	if s.reloader != nil {
		_ = s.reloader.Close()
	}
}

func (s *Service) renderServerBlock(subdomain, hostIP string, hostPort int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "server {\n")
	fmt.Fprintf(&b, "    listen 80;\n")
	fmt.Fprintf(&b, "    server_name %s%s;\n", subdomain, s.domainSuffix)
	fmt.Fprintf(&b, "    location / {\n")
	fmt.Fprintf(&b, "        proxy_pass http://%s:%d;\n", hostIP, hostPort)
	fmt.Fprintf(&b, "        proxy_set_header Host $host;\n")
	fmt.Fprintf(&b, "        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	fmt.Fprintf(&b, "    }\n")
	fmt.Fprintf(&b, "}\n")
	return b.String()
}

// commandReloader reloads the proxy with a host command.
type commandReloader struct {
	command string
}

func (r commandReloader) Reload(ctx context.Context) error {
	fields := strings.Fields(r.command)
	if len(fields) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reload command: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r commandReloader) Close() error { return nil }
