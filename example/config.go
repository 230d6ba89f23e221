//
// Copyright 2023 Bytedance Ltd. and/or its affiliates
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 示例服务配置，先读 yaml 文件，再用环境变量覆盖
type Config struct {
	Service     string        `yaml:"service"`
	DSN         string        `yaml:"dsn"`
	RedisAddr   string        `yaml:"redis_addr"`
	OrderTTL    time.Duration `yaml:"order_ttl"`
	SweepCron   string        `yaml:"sweep_cron"`
	MetricsAddr string        `yaml:"metrics_addr"`
	EventBuffer int           `yaml:"event_buffer"`
}

func defaultConfig() Config {
	return Config{
		Service:     "tradecore_example",
		DSN:         "root:@tcp(localhost:3306)/tradecore?charset=utf8mb4&parseTime=true&loc=UTC",
		OrderTTL:    30 * time.Minute,
		SweepCron:   "@every 1m",
		MetricsAddr: ":9090",
		EventBuffer: 1024,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SWEEP_CRON"); v != "" {
		cfg.SweepCron = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("ORDER_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse ORDER_TTL: %w", err)
		}
		cfg.OrderTTL = ttl
	}
	if cfg.OrderTTL <= 0 {
		return cfg, fmt.Errorf("order ttl must be positive")
	}
	return cfg, nil
}
