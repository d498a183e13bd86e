// Command farswapd wires the reclamation controller, the weighted fair
// scheduler, and the transport together into one running process, backed
// by the in-process simfabric loopback in place of a physical RDMA NIC.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// tenantConfig is one statically-registered tenant, loaded from the
// session config file.
type tenantConfig struct {
	Name        string `toml:"name"`
	Weight      int    `toml:"weight"`
	ThreadCount int    `toml:"thread_count"`
	Cores       []int  `toml:"cores"`
}

// config carries the session's load-time parameters (sip, sport,
// rmsize), the static tenant table, and the control-surface defaults.
// Only sip, sport and rmsize can be overridden by flag at the command
// line.
type config struct {
	ServerAddr   string          `toml:"sip"`
	ServerPort   int             `toml:"sport"`
	RemoteMemGB  uint64          `toml:"rmsize"`
	RegionSizeGB uint64          `toml:"region_size_gb"`
	SthdCnt      int64           `toml:"sthd_cnt"`
	ReclaimMode  int64           `toml:"reclaim_mode"`
	Flags        map[string]bool `toml:"flags"`
	Tenants      []tenantConfig  `toml:"tenant"`
}

// defaultConfig: region size 8GB, sthd_cnt 16, reclaim_mode 0
// (adaptive).
func defaultConfig() config {
	return config{
		ServerAddr:   "127.0.0.1",
		ServerPort:   11211,
		RemoteMemGB:  64,
		RegionSizeGB: 8,
		SthdCnt:      16,
		ReclaimMode:  0,
	}
}

// loadConfig reads a TOML session config file, if path is non-empty,
// applying it over defaultConfig(). A missing path is not an error: the
// daemon can run entirely off flags and defaults for a demo session.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return config{}, fmt.Errorf("farswapd: decode config %q: %w", path, err)
	}
	return cfg, nil
}
