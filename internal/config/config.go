package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LocalDomains are hostnames that mark a deployment as local. Session
// cookies are not forced to https for these.
var LocalDomains = []string{"localhost", "127.0.0.1"}

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	PublicURL   string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SessionSecret string
	SessionSalt   string
	SessionTTL    time.Duration

	GitHubAppID          string
	GitHubPrivateKeyPath string
	GitHubClientID       string
	GitHubClientSecret   string
	GitHubOAuthScope     string
	GitHubOAuthEndpoint  string
	GitHubTokenEndpoint  string
	GitHubAPIBaseURL     string

	ModalAccountName string
	ModalTokenID     string
	ModalTokenSecret string

	DeployTemplatePath string
	DeployTimeout      time.Duration

	PhoneGatewayURL        string
	PhoneGatewayAccountSID string
	PhoneGatewayAuthToken  string

	ServiceName       string
	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	secret := strings.TrimSpace(os.Getenv("API_SECRET_KEY"))
	if secret == "" {
		return Config{}, fmt.Errorf("API_SECRET_KEY is required")
	}
	salt := strings.TrimSpace(os.Getenv("API_SALT"))
	if salt == "" {
		return Config{}, fmt.Errorf("API_SALT is required")
	}
	publicURL := strings.TrimSpace(os.Getenv("KOOKABURRA_URL"))
	if publicURL == "" {
		return Config{}, fmt.Errorf("KOOKABURRA_URL is required")
	}

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8000"),
		PublicURL:   strings.TrimRight(publicURL, "/"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SessionSecret: secret,
		SessionSalt:   salt,
		SessionTTL:    getDuration("SESSION_TTL", 48*time.Hour),

		GitHubAppID:          os.Getenv("GH_APP_ID"),
		GitHubPrivateKeyPath: os.Getenv("GH_APP_PRIVATE_KEY_PATH"),
		GitHubClientID:       os.Getenv("GH_CLIENT_ID"),
		GitHubClientSecret:   os.Getenv("GH_CLIENT_SECRET"),
		GitHubOAuthScope:     getEnv("GH_OAUTH_SCOPE", "read:user,user:email"),
		GitHubOAuthEndpoint:  getEnv("GH_OAUTH_ENDPOINT", "https://github.com/login/oauth/authorize"),
		GitHubTokenEndpoint:  getEnv("GH_TOKEN_ENDPOINT", "https://github.com/login/oauth/access_token"),
		GitHubAPIBaseURL:     os.Getenv("GH_API_BASE_URL"),

		ModalAccountName: getEnv("MODAL_ACCOUNT_NAME", "kookaburracodes"),
		ModalTokenID:     os.Getenv("MODAL_TOKEN_ID"),
		ModalTokenSecret: os.Getenv("MODAL_TOKEN_SECRET"),

		DeployTemplatePath: getEnv("DEPLOY_TEMPLATE_PATH", "kookaburra_deployment"),
		DeployTimeout:      getDuration("DEPLOY_TIMEOUT", 10*time.Minute),

		PhoneGatewayURL:        os.Getenv("PHONE_GATEWAY_URL"),
		PhoneGatewayAccountSID: os.Getenv("PHONE_GATEWAY_ACCOUNT_SID"),
		PhoneGatewayAuthToken:  os.Getenv("PHONE_GATEWAY_AUTH_TOKEN"),

		ServiceName:       getEnv("SERVICE_NAME", "kookaburra"),
		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"https://kookaburra.codes"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsLocal() {
		cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins,
			"http://localhost",
			"http://127.0.0.1",
			"http://localhost:8000",
			"http://127.0.0.1:8000",
		)
	}

	return cfg, nil
}

// IsLocal reports whether the public URL points at a local deployment.
func (c Config) IsLocal() bool {
	u, err := url.Parse(c.PublicURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, d := range LocalDomains {
		if host == d {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
