package config

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"production"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Bearer tokens on admin endpoints are verified against this secret.
	AdminJWTSecret string `envconfig:"ADMIN_JWT_SECRET" required:"true"`

	// External provisioning capability (WireGuard management script).
	VPNScriptPath string `envconfig:"VPN_SCRIPT_PATH" default:"/root/vpn_setup.sh"`
	ClientsDir    string `envconfig:"CLIENTS_DIR" default:"/etc/wireguard/clients"`
	BashPath      string `envconfig:"BASH" default:"/bin/bash"`

	// Gateway retry policy.
	ProvisionTimeoutSec        int `envconfig:"PROVISION_TIMEOUT_SEC" default:"120"`
	ProvisionMaxRetries        int `envconfig:"PROVISION_MAX_RETRIES" default:"3"`
	ProvisionBackoffInitialSec int `envconfig:"PROVISION_BACKOFF_INITIAL_SEC" default:"1"`
	ProvisionBackoffMaxSec     int `envconfig:"PROVISION_BACKOFF_MAX_SEC" default:"30"`

	// Expiry sweeper.
	SweepIntervalSec int `envconfig:"SWEEP_INTERVAL_SEC" default:"600"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
