package types

import (
	"time"
)

type AppConfig struct {
	ClusterName string               `key:"clusterName" json:"cluster_name"`
	DebugMode   bool                 `key:"debugMode" json:"debug_mode"`
	PrettyLogs  bool                 `key:"prettyLogs" json:"pretty_logs"`
	Database    DatabaseConfig       `key:"database" json:"database"`
	Gateway     GatewayServiceConfig `key:"gateway" json:"gateway_service"`
	Provider    ProviderConfig       `key:"provider" json:"provider"`
	Sandbox     SandboxConfig        `key:"sandbox" json:"sandbox"`
	Pool        PoolConfig           `key:"pool" json:"pool"`
}

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisMode string

var (
	RedisModeSingle  RedisMode = "single"
	RedisModeCluster RedisMode = "cluster"
)

type RedisConfig struct {
	Addrs              []string      `key:"addrs" json:"addrs"`
	Mode               RedisMode     `key:"mode" json:"mode"`
	ClientName         string        `key:"clientName" json:"client_name"`
	EnableTLS          bool          `key:"enableTLS" json:"enable_tls"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
	MinIdleConns       int           `key:"minIdleConns" json:"min_idle_conns"`
	MaxIdleConns       int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxIdleTime    time.Duration `key:"connMaxIdleTime" json:"conn_max_idle_time"`
	ConnMaxLifetime    time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
	DialTimeout        time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout       time.Duration `key:"writeTimeout" json:"write_timeout"`
	MaxRedirects       int           `key:"maxRedirects" json:"max_redirects"`
	MaxRetries         int           `key:"maxRetries" json:"max_retries"`
	PoolSize           int           `key:"poolSize" json:"pool_size"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"password"`
	RouteByLatency     bool          `key:"routeByLatency" json:"route_by_latency"`
}

type PostgresConfig struct {
	Host      string `key:"host" json:"host"`
	Port      int    `key:"port" json:"port"`
	Name      string `key:"name" json:"name"`
	Username  string `key:"username" json:"username"`
	Password  string `key:"password" json:"password"`
	TimeZone  string `key:"timezone" json:"timezone"`
	EnableTLS bool   `key:"enableTLS" json:"enable_tls"`
}

type GatewayServiceConfig struct {
	Host            string        `key:"host" json:"host"`
	HTTPPort        int           `key:"httpPort" json:"http_port"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
}

type ProviderConfig struct {
	BaseURL        string        `key:"baseURL" json:"base_url"`
	APIKey         string        `key:"apiKey" json:"api_key"`
	Target         string        `key:"target" json:"target"`
	RequestTimeout time.Duration `key:"requestTimeout" json:"request_timeout"`
	CreateTimeout  time.Duration `key:"createTimeout" json:"create_timeout"`
}

type SandboxConfig struct {
	WebSnapshot         string        `key:"webSnapshot" json:"web_snapshot"`
	MobileSnapshot      string        `key:"mobileSnapshot" json:"mobile_snapshot"`
	StartTimeout        time.Duration `key:"startTimeout" json:"start_timeout"`
	StopTimeout         time.Duration `key:"stopTimeout" json:"stop_timeout"`
	AutoStopInterval    time.Duration `key:"autoStopInterval" json:"auto_stop_interval"`
	AutoArchiveInterval time.Duration `key:"autoArchiveInterval" json:"auto_archive_interval"`
}

type PoolConfig struct {
	Enabled           bool          `key:"enabled" json:"enabled"`
	MinWarmSandboxes  int           `key:"minWarmSandboxes" json:"min_warm_sandboxes"`
	MaxTotalSandboxes int           `key:"maxTotalSandboxes" json:"max_total_sandboxes"`
	MaxIdleTime       time.Duration `key:"maxIdleTime" json:"max_idle_time"`
	CleanupInterval   time.Duration `key:"cleanupInterval" json:"cleanup_interval"`
	ScaleThreshold    float64       `key:"scaleThreshold" json:"scale_threshold"`
}
