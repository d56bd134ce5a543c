package config

import "time"

// ServerConfig holds runtime configuration for the control plane.
type ServerConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	DockerHost    string
	JWTSecret     string

	ProjectsNetwork  string
	DataMountPath    string
	ContainerDataDir string
	HostDataDir      string
	CloneRoot        string

	ReconcileInterval time.Duration
	PruneAt           string
	MemoryLimitMB     int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://dockyard:dockyard@db:5432/dockyard?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		DockerHost:    GetString("DOCKER_HOST", ""),
		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),

		ProjectsNetwork:  GetString("PROJECTS_NETWORK", "projects_network"),
		DataMountPath:    GetString("DATA_MOUNT_PATH", "/var/www"),
		ContainerDataDir: GetString("CONTAINER_DATA_DIR", "/app/data/project-data-files"),
		HostDataDir:      GetString("HOST_DATA_DIR", ""),
		CloneRoot:        GetString("CLONE_ROOT", "/tmp"),

		ReconcileInterval: time.Duration(GetInt("RECONCILE_SECONDS", 30)) * time.Second,
		PruneAt:           GetString("PRUNE_AT", "02:00"),
		MemoryLimitMB:     GetInt("CONTAINER_MEMORY_LIMIT_MB", 800),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
