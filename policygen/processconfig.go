package policygen

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProcessConfig is the Policy Generator process's YAML configuration (§6
// "Process configuration"), loaded from the file path given as the
// process's first argument. It is distinct from ConfigStore's JSON
// user→tier limits file (§6 "Configuration file"): this describes how the
// process runs, that describes what it enforces.
type ProcessConfig struct {
	Port                      int    `yaml:"port"`
	MetricsBatchCount         int    `yaml:"metrics_batch_count"`
	MetricsBatchPeriodMsec    int    `yaml:"metrics_batch_period_msec"`
	RedisServer               string `yaml:"redis_server"`
	RedisQosTTL               int    `yaml:"redis_qos_ttl"`
	RedisQosConnTTL           int    `yaml:"redis_qos_conn_ttl"`
	RedisCheckConnIntervalSec int    `yaml:"redis_check_conn_interval_sec"`
	Endpoint                  string `yaml:"endpoint"`
	LogFileName               string `yaml:"log_file_name"`
	LogLevel                  string `yaml:"log_level"`
}

// LoadProcessConfig reads and decodes a policy generator process YAML file.
func LoadProcessConfig(path string) (*ProcessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policygen: reading config %s: %w", path, err)
	}
	var cfg ProcessConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("policygen: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
