package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env binding.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the annopipe binary.
var DefaultIdentity = Identity{
	BinaryName: "annopipe",
	EnvPrefix:  "ANNOPIPE",
	ConfigName: "annopipe",
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
	configFile  string
)

// SetConfigFile selects an explicit YAML file for subsequent loads. An empty
// path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")

	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.table", "annotations")
	v.SetDefault("registry.account_index", "account_id_index")

	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.wait_time", "20s")
	v.SetDefault("queue.max_messages", 10)
	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.group", "annopipe")

	v.SetDefault("hot.backend", BackendMemory)
	v.SetDefault("cold.backend", BackendMemory)
	v.SetDefault("cold.account_id", "-")

	v.SetDefault("runner.work_dir", filepath.Join(os.TempDir(), "annopipe", "jobs"))
	v.SetDefault("runner.max_concurrent_jobs", 0)
	v.SetDefault("runner.launcher", LauncherProcess)
	v.SetDefault("runner.log_dir", filepath.Join(os.TempDir(), "annopipe", "logs"))

	v.SetDefault("executor.upload_attempts", 3)
	v.SetDefault("executor.upload_delay", "1s")

	v.SetDefault("annotator.command", "annotate")
	v.SetDefault("annotator.result_pattern", "*.annot.vcf")
	v.SetDefault("annotator.log_pattern", "*.count.log")

	v.SetDefault("archive.retention", "5m")
	v.SetDefault("thaw.tiers", []string{"expedited", "standard"})

	v.SetDefault("notify.backend", BackendLog)
	v.SetDefault("notify.base_url", "http://localhost:8080/annotations")
}

// envSpec binds one short environment variable name to a config path.
type envSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short aliases. Every other key is reachable as
// <PREFIX>_<SECTION>_<KEY>.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "WORK_DIR", Path: "runner.work_dir"},
		{Name: p + "MAX_CONCURRENT_JOBS", Path: "runner.max_concurrent_jobs"},
		{Name: p + "RETENTION", Path: "archive.retention"},
		{Name: p + "REDIS_ADDR", Path: "queue.redis.addr"},
		{Name: p + "REDIS_PASSWORD", Path: "queue.redis.password"},
		{Name: p + "REGISTRY_DSN", Path: "registry.dsn"},
	}
}

// getUserConfigPaths lists per-user config file candidates in priority order.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	name := appIdentity.ConfigName
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, name, name+".yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", name, name+".yaml"))
	}
	return paths
}

// ciBoundaryVars name directories that CI systems check the repo out into.
var ciBoundaryVars = []string{"ANNOPIPE_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// ciBoundary returns the first usable CI workspace that contains cwd.
func ciBoundary(cwd string) string {
	if !isCI() {
		return ""
	}
	for _, name := range ciBoundaryVars {
		dir := os.Getenv(name)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		rel, err := filepath.Rel(dir, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Clean(dir)
	}
	return ""
}

var projectMarkers = []string{"annopipe.yaml", "go.mod", ".git"}

// findProjectRoot walks up from the working directory to the first
// directory holding a project marker. The walk stops at a CI workspace
// boundary when one applies; with no marker it returns the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	boundary := ciBoundary(cwd)
	for dir := cwd; ; {
		for _, m := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

// resolveConfigFile picks the explicit file, then user paths, then
// <project>/annopipe.yaml. An empty result means no file.
func resolveConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	candidates := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil && appIdentity != nil {
		candidates = append(candidates, filepath.Join(root, appIdentity.ConfigName+".yaml"))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

// loadDotEnv reads .env from the working directory without overriding
// variables already set.
func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load builds, validates and stores the configuration. Later overrides win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	id := DefaultIdentity
	appIdentity = &id

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	file, err := resolveConfigFile(configFile)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		// Set sits above env in viper's precedence.
		for _, key := range flattenKeys("", o) {
			v.Set(key, lookup(o, key))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFileUsed reports the file Load would read, or "".
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	f, _ := resolveConfigFile(configFile)
	return f
}

func normalize(c *Config) {
	c.Logging.Profile = strings.ToUpper(strings.TrimSpace(c.Logging.Profile))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	for _, p := range []*string{&c.Registry.Backend, &c.Queue.Backend, &c.Hot.Backend, &c.Cold.Backend, &c.Notify.Backend, &c.Runner.Launcher} {
		*p = strings.ToLower(strings.TrimSpace(*p))
	}
}

func flattenKeys(prefix string, m map[string]any) []string {
	var keys []string
	for k, val := range m {
		full := k
		if prefix != "" {
			full = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			keys = append(keys, flattenKeys(full, sub)...)
			continue
		}
		keys = append(keys, full)
	}
	return keys
}

func lookup(m map[string]any, key string) any {
	parts := strings.Split(key, ".")
	var cur any = m
	for _, p := range parts {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = mm[p]
	}
	return cur
}
