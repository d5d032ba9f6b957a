// Package config loads the daemon's YAML configuration file. It is the one
// ambient concern spec.md explicitly pushes out of scope ("config file
// parsing") beyond this loader — the loaded values are consumed by every
// other package via the Config struct, never read from file again.
package config

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the daemon-wide configuration, held by reference inside the
// Daemon value (§9: "process-wide state held by an initialized Daemon
// value passed down by reference; no ambient globals").
type Config struct {
	SocketPath string `yaml:"socket_path"`
	VolumesDir string `yaml:"volumes_dir"`
	PlacesDir  string `yaml:"places_dir"`
	StorePath  string `yaml:"store_path"`

	CgroupRoot      string `yaml:"cgroup_root"`
	PortoSubtree    string `yaml:"porto_subtree"`
	DaemonSubtree   string `yaml:"daemon_subtree"`
	CgroupRemoveTimeoutS int `yaml:"cgroup_remove_timeout_s"`

	ContainerStartTimeoutMs int `yaml:"container_start_timeout_ms"`
	ContainerStopTimeoutS   int `yaml:"container_stop_timeout_s"`
	FreezerWaitTimeoutS     int `yaml:"freezer_wait_timeout_s"`
	// FreezerWaitRetryMultiplier resolves Open Question (c): the source
	// uses freezer_wait_timeout_s * 10 for the bounded retry count.
	FreezerWaitRetryMultiplier int `yaml:"freezer_wait_retry_multiplier"`

	DefaultAgingTimeS int `yaml:"default_aging_time_s"`
	MaxRespawns       int `yaml:"max_respawns"`

	MemoryGuaranteeReserveRaw string `yaml:"memory_guarantee_reserve"`
	MemoryGuaranteeReserve    int64  `yaml:"-"`

	MaxContainerNameLen           int `yaml:"max_container_name_len"`
	MaxContainerNameLenSuperuser  int `yaml:"max_container_name_len_superuser"`
	MaxContainers                 int `yaml:"max_containers"`

	UnmanagedDevices []string          `yaml:"unmanaged_devices"`
	UnmanagedGroups  []string          `yaml:"unmanaged_groups"`
	DeviceRate       map[string]string `yaml:"device_rate"`
	DeviceCeil       map[string]string `yaml:"device_ceil"`
	DeviceRateBytes  map[string]uint64 `yaml:"-"`
	DeviceCeilBytes  map[string]uint64 `yaml:"-"`

	NatV4Base string `yaml:"nat_v4_base"`
	NatV6Base string `yaml:"nat_v6_base"`
	NatPoolSize int   `yaml:"nat_pool_size"`

	DefaultLeafQdiscLimit int `yaml:"default_leaf_qdisc_limit"`

	SuperuserGroups []string `yaml:"superuser_groups"`
}

// Default returns the configuration the daemon ships with, mirroring the
// constants original_source/src/config.hpp names as defaults.
func Default() *Config {
	return &Config{
		SocketPath:                   "/run/porto/portod.socket",
		VolumesDir:                   "/place/porto_volumes",
		PlacesDir:                    "/place",
		StorePath:                    "/var/lib/porto/kvs",
		CgroupRoot:                   "/sys/fs/cgroup",
		PortoSubtree:                 "porto",
		DaemonSubtree:                "porto-daemon",
		CgroupRemoveTimeoutS:         10,
		ContainerStartTimeoutMs:      30000,
		ContainerStopTimeoutS:        30,
		FreezerWaitTimeoutS:          1,
		FreezerWaitRetryMultiplier:   10,
		DefaultAgingTimeS:            60,
		MaxRespawns:                  -1,
		MemoryGuaranteeReserveRaw:    "256Mi",
		MaxContainerNameLen:          66,
		MaxContainerNameLenSuperuser: 200,
		MaxContainers:                65536,
		NatV4Base:                    "172.16.0.0",
		NatV6Base:                    "fc00::",
		NatPoolSize:                  65536,
		DefaultLeafQdiscLimit:        1000,
		SuperuserGroups:              []string{"porto"},
	}
}

// Load reads and parses the YAML file at path, falling back to defaults for
// anything unset, then resolves the unit-bearing strings via go-units.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, resolveUnits(cfg)
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := resolveUnits(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveUnits(cfg *Config) error {
	if cfg.MemoryGuaranteeReserveRaw != "" {
		v, err := units.RAMInBytes(cfg.MemoryGuaranteeReserveRaw)
		if err != nil {
			return fmt.Errorf("config: memory_guarantee_reserve: %w", err)
		}
		cfg.MemoryGuaranteeReserve = v
	}
	cfg.DeviceRateBytes = make(map[string]uint64, len(cfg.DeviceRate))
	for dev, raw := range cfg.DeviceRate {
		v, err := units.RAMInBytes(raw)
		if err != nil {
			return fmt.Errorf("config: device_rate[%s]: %w", dev, err)
		}
		cfg.DeviceRateBytes[dev] = uint64(v)
	}
	cfg.DeviceCeilBytes = make(map[string]uint64, len(cfg.DeviceCeil))
	for dev, raw := range cfg.DeviceCeil {
		v, err := units.RAMInBytes(raw)
		if err != nil {
			return fmt.Errorf("config: device_ceil[%s]: %w", dev, err)
		}
		cfg.DeviceCeilBytes[dev] = uint64(v)
	}
	return nil
}
