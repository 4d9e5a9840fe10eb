package collector

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the Event Collector process's YAML configuration (§6 "Process
// configuration"), loaded from the file path given as the process's first
// argument.
type Config struct {
	Port                     int    `yaml:"port"`
	NumOfSyslogServers       int    `yaml:"num_of_syslog_servers"`
	MsgQueueSize             int    `yaml:"msg_queue_size"`
	MetricsBatchCount        int    `yaml:"metrics_batch_count"`
	MetricsBatchPeriodMsec   int    `yaml:"metrics_batch_period_msec"`
	RedisServer              string `yaml:"redis_server"`
	RedisQosTTL              int    `yaml:"redis_qos_ttl"`
	RedisQosConnTTL          int    `yaml:"redis_qos_conn_ttl"`
	RedisCheckConnIntervalSec int   `yaml:"redis_check_conn_interval_sec"`
	Endpoint                 string `yaml:"endpoint"`
	LogFileName              string `yaml:"log_file_name"`
	AccessLogFileName        string `yaml:"access_log_file_name"`
	LogLevel                 string `yaml:"log_level"`
}

// LoadProcessConfig reads and decodes a collector process YAML file. A
// missing or malformed file is the caller's cue to exit with ENOENT/EINVAL
// respectively (§6 "Exit codes").
func LoadProcessConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("collector: parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
