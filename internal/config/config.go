package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//
//  1. 按 APP_ENV 加载 .env.{env}（敏感信息，生产环境跳过）
//  2. 加载 YAML 配置（默认值 → common.yaml → {env}.yaml）
//  3. 从环境变量注入凭据，构建最终配置
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 .env 文件（godotenv 不覆盖已有环境变量）
	loadEnvFiles(env)

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 凭据只从环境变量读取（兼容多种 Docker Compose 变量名）
	yamlCfg.Database.Password = firstEnv("DB_PASSWORD", "POSTGRES_PASSWORD", "MONGO_ROOT_PASSWORD")
	yamlCfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	yamlCfg.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	yamlCfg.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	yamlCfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	yamlCfg.Auth.AdminUser = os.Getenv("ADMIN_USER")
	yamlCfg.Auth.AdminPassword = os.Getenv("ADMIN_PASSWORD")

	// DATABASE_URL / REDIS_URL 环境变量优先于 YAML 拼装
	databaseURL := getEnv("DATABASE_URL", buildDatabaseURL(yamlCfg.Database, yamlCfg.Database.Password))
	redisURL := getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis))

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, databaseURL),
		DatabaseURL:    databaseURL,
		DatabaseDBName: yamlCfg.Database.Name,
		RedisURL:       redisURL,
		APIPort:        yamlCfg.Server.Port,
		Redis:          yamlCfg.Redis,
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		Runner:         yamlCfg.Runner,
		Stream:         yamlCfg.Stream,
		Auth:           yamlCfg.Auth,
		ConfigFilePath: yamlCfg.loadedFrom,
	}

	cfg.Etcd.validate()
	cfg.Runner.validate()
	cfg.Stream.validate()

	return cfg
}

// ConfigFileName 返回当前环境对应的配置文件名（如 dev.yaml）
func ConfigFileName() string {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	return fmt.Sprintf("%s.yaml", env)
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml（后者覆盖前者）
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	// 1. 初始化默认值
	cfg := &yamlConfigInternal{
		YAMLConfig: YAMLConfig{
			Server:   ServerConfig{Port: "8080"},
			Database: DatabaseConfig{Driver: "sqlite", Host: "localhost", Port: 5432, User: "taskbench", Name: "taskbench", SSLMode: "disable"},
			Redis:    RedisConfig{Host: "localhost", Port: 6380, DB: 0},
			Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/taskbench"},
			MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "taskbench"},
			Runner:   RunnerConfig{LogDrainTimeout: "5s", SweepInterval: "1h"},
			Stream:   StreamConfig{ChannelCapacity: 100, IdleWindow: "30m", HeartbeatInterval: "15s"},
			Auth:     AuthConfig{TokenTTL: "24h"},
		},
	}

	paths := effectiveConfigPaths()

	// 2. 加载 common.yaml（公共配置）
	for _, base := range paths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, &cfg.YAMLConfig)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range paths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, &cfg.YAMLConfig)
			cfg.loadedFrom = path
			break
		}
	}

	return cfg
}
