package cfg

import (
	"fmt"
	"io"
	"time"

	"github.com/pelletier/go-toml"
)

type Config struct {
	HTTPListenAddr        string `toml:"http_server_listen_addr"`
	HTTPSListenAddr       string `toml:"https_server_listen_addr"`
	HTTPSCertFile         string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile          string `toml:"https_ssl_key_file"`
	GithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	GithubWebHookSecret   string `toml:"github_webhook_secret"`
	LogFormat             string `toml:"log_format"`
	LogTimeKey            string `toml:"log_time_key"`
	LogLevel              string `toml:"log_level"`

	StateDir string `toml:"state_dir"`

	SyncInterval duration `toml:"sync_interval"`

	Upstream Upstream `toml:"upstream"`
	Repo     Repo     `toml:"repository"`
	Deps     Deps     `toml:"dependencies"`
	Image    Image    `toml:"image"`
	Deploy   Deploy   `toml:"deployment"`
}

// Upstream describes the repository that is tracked and merged from.
type Upstream struct {
	Owner      string `toml:"owner"`
	Repository string `toml:"repository"`
	Branch     string `toml:"branch"`
	APIToken   string `toml:"api_token"`
	GitURL     string `toml:"git_url"`
}

// Repo describes the local fork that upstream changes are merged into.
type Repo struct {
	Path   string `toml:"path"`
	Branch string `toml:"branch"`
}

type Deps struct {
	ManifestPath string `toml:"manifest_path"`
	IndexURL     string `toml:"package_index_url"`
}

type Image struct {
	Name             string `toml:"name"`
	Registry         string `toml:"registry"`
	RegistryUser     string `toml:"registry_user"`
	RegistryPassword string `toml:"registry_password"`
}

type Deploy struct {
	ContainerName      string   `toml:"container_name"`
	Network            string   `toml:"network"`
	VolumeHostPath     string   `toml:"volume_host_path"`
	VolumeMountPath    string   `toml:"volume_mount_path"`
	PublishPorts       []string `toml:"publish_ports"`
	HealthURL          string   `toml:"health_url"`
	HealthJQFilter     string   `toml:"health_jq_filter"`
	HealthPollInterval duration `toml:"health_poll_interval"`
	HealthMaxAttempts  int      `toml:"health_max_attempts"`
	BlockedThreshold   int      `toml:"blocked_threshold"`
}

// duration wraps time.Duration to support strings like "30s" in the toml
// file.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	DefSyncInterval       = 24 * time.Hour
	DefHealthPollInterval = 3 * time.Second
	DefHealthMaxAttempts  = 20
	DefBlockedThreshold   = 3
)

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (r *Config) applyDefaults() {
	if r.SyncInterval.Duration == 0 {
		r.SyncInterval.Duration = DefSyncInterval
	}

	if r.Deploy.HealthPollInterval.Duration == 0 {
		r.Deploy.HealthPollInterval.Duration = DefHealthPollInterval
	}

	if r.Deploy.HealthMaxAttempts == 0 {
		r.Deploy.HealthMaxAttempts = DefHealthMaxAttempts
	}

	if r.Deploy.BlockedThreshold == 0 {
		r.Deploy.BlockedThreshold = DefBlockedThreshold
	}

	if r.Upstream.Branch == "" {
		r.Upstream.Branch = "master"
	}

	if r.Repo.Branch == "" {
		r.Repo.Branch = "master"
	}

	if r.Deps.ManifestPath == "" {
		r.Deps.ManifestPath = "requirements.txt"
	}

	if r.StateDir == "" {
		r.StateDir = "/var/lib/forksyncd"
	}
}

func (r *Config) validate() error {
	if r.Repo.Path == "" {
		return fmt.Errorf("repository.path must be set")
	}

	if r.Upstream.Owner == "" || r.Upstream.Repository == "" {
		return fmt.Errorf("upstream.owner and upstream.repository must be set")
	}

	if r.Deps.IndexURL == "" {
		return fmt.Errorf("dependencies.package_index_url must be set")
	}

	if r.Image.Name == "" {
		return fmt.Errorf("image.name must be set")
	}

	if r.Deploy.ContainerName == "" {
		return fmt.Errorf("deployment.container_name must be set")
	}

	if r.Deploy.HealthURL == "" {
		return fmt.Errorf("deployment.health_url must be set")
	}

	return nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
