package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	envVarHost            = "RENDEZVOUS_HOST"
	envVarPort            = "RENDEZVOUS_PORT"
	envVarClientDir       = "RENDEZVOUS_CLIENT_DIR"
	envVarLogLevel        = "RENDEZVOUS_LOG_LEVEL"
	envVarLogFormat       = "RENDEZVOUS_LOG_FORMAT"
	envVarAllowedOrigins  = "RENDEZVOUS_ALLOWED_ORIGINS"
	envVarMaxBodyBytes    = "RENDEZVOUS_MAX_BODY_BYTES"
	envVarStrict          = "RENDEZVOUS_STRICT_REGISTRATION"
	envVarMDNS            = "RENDEZVOUS_MDNS"
	envVarGinMode         = "GIN_MODE"
	envVarShutdownTimeout = "RENDEZVOUS_SHUTDOWN_TIMEOUT"

	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultClientDir       = "../Browser"
	DefaultMaxBodyBytes    = 64 << 10
	DefaultShutdownTimeout = 5 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Host      string
	Port      int
	ClientDir string

	LogLevel  log.Level
	LogFormat LogFormat

	// AllowedOrigins restricts CORS. Empty allows every origin.
	AllowedOrigins []string
	MaxBodyBytes   int64

	StrictRegistration bool
	AnnounceMDNS       bool

	GinMode         string
	ShutdownTimeout time.Duration
}

// ListenAddr is the host:port the HTTP server binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads configuration from the environment, then flags. A single
// positional argument is taken as the port.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	maxBody, err := envIntOrDefault(lookup, envVarMaxBodyBytes, DefaultMaxBodyBytes)
	if err != nil {
		return Config{}, err
	}
	strict, err := envBoolOrDefault(lookup, envVarStrict, false)
	if err != nil {
		return Config{}, err
	}
	mdns, err := envBoolOrDefault(lookup, envVarMDNS, false)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	var (
		host           = envOrDefault(lookup, envVarHost, DefaultHost)
		clientDir      = envOrDefault(lookup, envVarClientDir, DefaultClientDir)
		logLevel       = envOrDefault(lookup, envVarLogLevel, "info")
		logFormat      = envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
		allowedOrigins = envOrDefault(lookup, envVarAllowedOrigins, "")
		ginMode        = envOrDefault(lookup, envVarGinMode, gin.ReleaseMode)
	)

	fs := flag.NewFlagSet("rendezvous", flag.ContinueOnError)
	fs.StringVar(&host, "host", host, "Address to bind (env "+envVarHost+")")
	fs.IntVar(&port, "port", port, "Port to listen on (env "+envVarPort+")")
	fs.StringVar(&clientDir, "client-dir", clientDir, "Directory served under /client/ (env "+envVarClientDir+")")
	fs.StringVar(&logLevel, "log-level", logLevel, "trace|debug|info|warn|error (env "+envVarLogLevel+")")
	fs.StringVar(&logFormat, "log-format", logFormat, "text|json (env "+envVarLogFormat+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated CORS origins, empty allows all (env "+envVarAllowedOrigins+")")
	fs.IntVar(&maxBody, "max-body-bytes", maxBody, "Largest accepted request body (env "+envVarMaxBodyBytes+")")
	fs.BoolVar(&strict, "strict", strict, "Reject writes for ids that are not logged in (env "+envVarStrict+")")
	fs.BoolVar(&mdns, "mdns", mdns, "Announce the server over mDNS (env "+envVarMDNS+")")
	fs.StringVar(&ginMode, "gin-mode", ginMode, "debug|release|test (env "+envVarGinMode+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown limit (env "+envVarShutdownTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		p, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return Config{}, fmt.Errorf("invalid port argument %q: %w", fs.Arg(0), err)
		}
		port = p
	default:
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("port %d out of range", port)
	}
	if maxBody <= 0 {
		return Config{}, fmt.Errorf("max body bytes must be positive, got %d", maxBody)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be positive, got %s", shutdownTimeout)
	}

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return Config{}, err
	}
	format, err := parseLogFormat(logFormat)
	if err != nil {
		return Config{}, err
	}
	origins, err := parseOrigins(allowedOrigins)
	if err != nil {
		return Config{}, err
	}
	switch ginMode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
	default:
		return Config{}, fmt.Errorf("invalid gin mode %q", ginMode)
	}

	return Config{
		Host:               host,
		Port:               port,
		ClientDir:          clientDir,
		LogLevel:           level,
		LogFormat:          format,
		AllowedOrigins:     origins,
		MaxBodyBytes:       int64(maxBody),
		StrictRegistration: strict,
		AnnounceMDNS:       mdns,
		GinMode:            ginMode,
		ShutdownTimeout:    shutdownTimeout,
	}, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg Config) *log.Logger {
	logger := log.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(cfg.LogLevel)
	switch cfg.LogFormat {
	case LogFormatJSON:
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseOrigins(raw string) ([]string, error) {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return nil, fmt.Errorf("invalid origin %q: must start with http:// or https://", o)
		}
		out = append(out, o)
	}
	return out, nil
}
