package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the environment nor a config file sets
// a value.
const (
	DefaultPort            = 3000
	DefaultPartitions      = 8
	DefaultReplication     = 2
	DefaultWorkers         = 4
	DefaultPartitionCap    = 10000
	DefaultOllamaURL       = "http://localhost:11434"
	DefaultOllamaModel     = "llava"
	DefaultDescribeTimeout = 300 // seconds
	DefaultRedisURL        = "redis://localhost:6379"

	ImagesBucket  = "bigdata-images"
	ResultsBucket = "bigdata-results"
)

// Config holds the full process configuration.
type Config struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`

	// Sharding
	Partitions   int `yaml:"partitions"`
	Replication  int `yaml:"replication"`
	PartitionCap int `yaml:"partition_cap"`

	// Worker pool (in-process path)
	Workers int `yaml:"workers"`

	// Worker mode (distributed path)
	WorkerMode       bool   `yaml:"worker_mode"`
	WorkerID         string `yaml:"worker_id"`
	WorkerPartitions []int  `yaml:"worker_partitions"`

	// External collaborators
	OllamaURL          string `yaml:"ollama_url"`
	OllamaModel        string `yaml:"ollama_model"`
	DescribeTimeoutSec int    `yaml:"describe_timeout_sec"`
	RedisURL           string `yaml:"redis_url"`
	APIEndpoint        string `yaml:"api_endpoint"`

	Minio MinioConfig `yaml:"minio"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// MinioConfig holds object store connection settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Port      int    `yaml:"port"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Default returns a config populated with defaults only.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		Partitions:         DefaultPartitions,
		Replication:        DefaultReplication,
		PartitionCap:       DefaultPartitionCap,
		Workers:            DefaultWorkers,
		OllamaURL:          DefaultOllamaURL,
		OllamaModel:        DefaultOllamaModel,
		DescribeTimeoutSec: DefaultDescribeTimeout,
		RedisURL:           DefaultRedisURL,
		Minio: MinioConfig{
			Endpoint:  "localhost",
			Port:      9000,
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the optional YAML file,
// then environment variables. Environment always wins.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOSTNAME"); v != "" {
		c.Hostname = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("WORKER_MODE"); v != "" {
		c.WorkerMode = v == "true"
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := os.Getenv("PARTITIONS"); v != "" {
		if parts, err := ParsePartitionList(v); err == nil {
			c.WorkerPartitions = parts
		}
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.OllamaURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.OllamaModel = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Minio.Port = p
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.Minio.UseSSL = v == "true"
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.Minio.SecretKey = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("API_ENDPOINT"); v != "" {
		c.APIEndpoint = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Partitions <= 0 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.Replication < 1 {
		return fmt.Errorf("replication must be at least 1, got %d", c.Replication)
	}
	if c.Replication > c.Partitions {
		return fmt.Errorf("replication factor %d exceeds partition count %d", c.Replication, c.Partitions)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.WorkerMode {
		if c.WorkerID == "" {
			return fmt.Errorf("worker mode requires WORKER_ID")
		}
		if len(c.WorkerPartitions) == 0 {
			return fmt.Errorf("worker mode requires PARTITIONS")
		}
		for _, p := range c.WorkerPartitions {
			if p < 0 || p >= c.Partitions {
				return fmt.Errorf("worker partition %d out of range [0,%d)", p, c.Partitions)
			}
		}
	}
	return nil
}

// MinioAddr returns the host:port address for the object store client.
func (c *Config) MinioAddr() string {
	return fmt.Sprintf("%s:%d", c.Minio.Endpoint, c.Minio.Port)
}

// ParsePartitionList parses a comma-separated partition id list, e.g.
// "0,1,2,3".
func ParsePartitionList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid partition id %q: %w", part, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty partition list")
	}
	return out, nil
}
