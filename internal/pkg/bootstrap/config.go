// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"log"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"vigil/internal/pkg/nacos"
)

// ReconcileConfig 是对账协调器的业务配置。
type ReconcileConfig struct {
	WindowSeconds        int    `yaml:"window_seconds"`
	PollIntervalMs       int    `yaml:"poll_interval_ms"`
	MaxPolls             int    `yaml:"max_polls"`
	StatusCheckTimeoutMs int    `yaml:"status_check_timeout_ms"`
	ActivationTimeoutMs  int    `yaml:"activation_timeout_ms"`
	ActivationPolicy     string `yaml:"activation_policy"` // CEL 表达式，空串表示恒允许
}

// Config 是整个进程的配置树，文件 + 环境变量 + Nacos 配置中心三层覆盖。
type Config struct {
	App struct {
		Reconcile ReconcileConfig `yaml:"reconcile"`
	} `yaml:"app"`
	Infra struct {
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Kafka struct {
			Brokers     []string `yaml:"brokers"`
			EventsTopic string   `yaml:"events_topic"`
		} `yaml:"kafka"`
		Redis struct {
			Addr string `yaml:"addr"`
		} `yaml:"redis"`
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Zookeeper struct {
			Enabled bool     `yaml:"enabled"`
			Addrs   []string `yaml:"addrs"`
		} `yaml:"zookeeper"`
		Gateway struct {
			BaseURL      string `yaml:"base_url"`
			ClientID     string `yaml:"client_id"`
			ClientSecret string `yaml:"client_secret"`
		} `yaml:"gateway"`
		Activation struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"activation"`
	} `yaml:"infra"`
}

var (
	currentConfig     atomic.Pointer[Config]
	nacosConfigClient *nacos.ConfigClient
)

// GetCurrentConfig 返回当前生效的配置快照。
// 配置可能随 Nacos 配置中心推送而整体替换，调用方不应长期持有返回值。
func GetCurrentConfig() *Config {
	return currentConfig.Load()
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Reconcile = ReconcileConfig{
		WindowSeconds:        300,
		PollIntervalMs:       10000,
		MaxPolls:             30,
		StatusCheckTimeoutMs: 3000,
		ActivationTimeoutMs:  5000,
	}
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Kafka.EventsTopic = "reconcile-events"
	cfg.Infra.Redis.Addr = "localhost:6379"
	return cfg
}

// Init 加载配置。优先级从低到高：内置默认值 < yaml 文件 < 环境变量 < Nacos 配置中心。
// 应在进程入口处先于 StartService 调用。
func Init() {
	cfg := defaultConfig()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("FATAL: cannot read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("FATAL: cannot parse config file %s: %v", path, err)
		}
	}

	applyEnvOverrides(cfg)
	currentConfig.Store(cfg)

	// 可选：接入 Nacos 配置中心，支持运行时整体替换配置
	dataId := getEnv("NACOS_CONFIG_DATA_ID", "")
	if dataId == "" {
		return
	}
	client, err := nacos.NewConfigClient(
		getEnv("NACOS_SERVER_ADDRS", "localhost:8848"),
		getEnv("NACOS_NAMESPACE", ""),
		getEnv("NACOS_GROUP", "DEFAULT_GROUP"),
	)
	if err != nil {
		log.Fatalf("FATAL: failed to create nacos config client: %v", err)
	}
	nacosConfigClient = client

	if content, err := client.GetConfig(dataId); err == nil && content != "" {
		reloadFromYAML(content)
	}
	if err := client.ListenConfig(dataId, reloadFromYAML); err != nil {
		log.Printf("WARN: failed to listen nacos config %s: %v", dataId, err)
	}
}

// reloadFromYAML 在现有配置的副本上应用新内容后整体替换。
func reloadFromYAML(content string) {
	fresh := defaultConfig()
	if cur := currentConfig.Load(); cur != nil {
		*fresh = *cur
	}
	if err := yaml.Unmarshal([]byte(content), fresh); err != nil {
		log.Printf("WARN: ignoring invalid config push: %v", err)
		return
	}
	applyEnvOverrides(fresh)
	currentConfig.Store(fresh)
	log.Println("Config reloaded from config center.")
}

func applyEnvOverrides(cfg *Config) {
	if v := getEnv("JAEGER_ENDPOINT", ""); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		cfg.Infra.Redis.Addr = v
	}
	if v := getEnv("MYSQL_DSN", ""); v != "" {
		cfg.Infra.Mysql.DSN = v
	}
	if v := getEnv("ZK_ADDRS", ""); v != "" {
		cfg.Infra.Zookeeper.Enabled = true
		cfg.Infra.Zookeeper.Addrs = strings.Split(v, ",")
	}
	if v := getEnv("GATEWAY_BASE_URL", ""); v != "" {
		cfg.Infra.Gateway.BaseURL = v
	}
	if v := getEnv("GATEWAY_CLIENT_ID", ""); v != "" {
		cfg.Infra.Gateway.ClientID = v
	}
	if v := getEnv("GATEWAY_CLIENT_SECRET", ""); v != "" {
		cfg.Infra.Gateway.ClientSecret = v
	}
	if v := getEnv("ACTIVATION_BASE_URL", ""); v != "" {
		cfg.Infra.Activation.BaseURL = v
	}
}
