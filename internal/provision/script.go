package provision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Provisioner is the external provisioning capability: it creates and
// removes the actual VPN credential material. Treated as a black box whose
// failures carry no structured retry hint.
type Provisioner interface {
	Provision(ctx context.Context, name string) error
	Deprovision(ctx context.Context, name string) error
	IsProvisioned(ctx context.Context, name string) (bool, error)
	// SetExpiry stores the marker the external tooling reads to know when a
	// client's access ends. An implementation detail of the capability, not
	// engine-visible state.
	SetExpiry(name string, expiresAt time.Time) error
}

// ScriptError carries the output of a failed provisioning script run so the
// gateway can classify it.
type ScriptError struct {
	Op     string
	Name   string
	Output string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("vpn script %s %s: %v: %s", e.Op, e.Name, e.Err, e.Output)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// ScriptProvisioner drives the WireGuard management script
// (`<script> add <name>` / `<script> revoke <name>`). Client material lands
// under <clientsDir>/<name>/.
type ScriptProvisioner struct {
	scriptPath string
	clientsDir string
	bashPath   string
	logger     zerolog.Logger
}

// NewScriptProvisioner creates a ScriptProvisioner.
func NewScriptProvisioner(scriptPath, clientsDir, bashPath string, logger zerolog.Logger) *ScriptProvisioner {
	return &ScriptProvisioner{
		scriptPath: scriptPath,
		clientsDir: clientsDir,
		bashPath:   bashPath,
		logger:     logger.With().Str("component", "provisioner").Logger(),
	}
}

func (p *ScriptProvisioner) Provision(ctx context.Context, name string) error {
	if err := p.run(ctx, "add", name); err != nil {
		return err
	}
	if _, err := os.Stat(p.confPath(name)); err != nil {
		return &ScriptError{Op: "add", Name: name, Output: "client config missing after add", Err: err}
	}
	return nil
}

func (p *ScriptProvisioner) Deprovision(ctx context.Context, name string) error {
	return p.run(ctx, "revoke", name)
}

func (p *ScriptProvisioner) IsProvisioned(ctx context.Context, name string) (bool, error) {
	if _, err := os.Stat(p.confPath(name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat client config for %s: %w", name, err)
	}
	return true, nil
}

func (p *ScriptProvisioner) SetExpiry(name string, expiresAt time.Time) error {
	dir := filepath.Join(p.clientsDir, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create client dir for %s: %w", name, err)
	}
	marker := filepath.Join(dir, "expires_at")
	data := []byte(strconv.FormatInt(expiresAt.Unix(), 10))
	if err := os.WriteFile(marker, data, 0o640); err != nil {
		return fmt.Errorf("write expiry marker for %s: %w", name, err)
	}
	return nil
}

func (p *ScriptProvisioner) run(ctx context.Context, op, name string) error {
	cmd := exec.CommandContext(ctx, p.bashPath, p.scriptPath, op, name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &ScriptError{Op: op, Name: name, Output: string(out), Err: err}
	}
	p.logger.Debug().Str("op", op).Str("name", name).Msg("vpn script succeeded")
	return nil
}

func (p *ScriptProvisioner) confPath(name string) string {
	return filepath.Join(p.clientsDir, name, name+".conf")
}
