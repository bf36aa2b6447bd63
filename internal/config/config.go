package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CAMSIGHT_LISTEN_ADDR"
	envVarMode            = "CAMSIGHT_MODE"
	envVarLogFormat       = "CAMSIGHT_LOG_FORMAT"
	envVarLogLevel        = "CAMSIGHT_LOG_LEVEL"
	envVarShutdownTimeout = "CAMSIGHT_SHUTDOWN_TIMEOUT"
	envVarStaticDir       = "CAMSIGHT_STATIC_DIR"

	// Detection engine knobs.
	envVarModelPath      = "CAMSIGHT_MODEL_PATH"
	envVarOnnxRuntimeLib = "CAMSIGHT_ONNXRUNTIME_LIB"
	envVarModelInputSize = "CAMSIGHT_MODEL_INPUT_SIZE"
	envVarConfThreshold  = "CAMSIGHT_CONF_THRESHOLD"
	envVarIoUThreshold   = "CAMSIGHT_IOU_THRESHOLD"

	// Inference offload knobs.
	envVarInferenceWorkers    = "CAMSIGHT_INFERENCE_WORKERS"
	envVarInferenceQueueDepth = "CAMSIGHT_INFERENCE_QUEUE_DEPTH"
	envVarInferenceDeadline   = "CAMSIGHT_INFERENCE_DEADLINE"

	// WebSocket inbound hardening.
	envVarMaxSignalingMessageBytes      = "CAMSIGHT_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "CAMSIGHT_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWriteWait                     = "CAMSIGHT_WRITE_WAIT"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultModelPath      = "models/yolov5n.onnx"
	DefaultModelInputSize = 640
	DefaultConfThreshold  = 0.5
	DefaultIoUThreshold   = 0.45

	DefaultInferenceWorkers    = 2
	DefaultInferenceQueueDepth = 8
	DefaultInferenceDeadline   = 10 * time.Second

	// Frames arrive base64-encoded inside signaling messages, so the limit is
	// sized for image payloads rather than SDP blobs.
	DefaultMaxSignalingMessageBytes      = int64(4 << 20)
	DefaultMaxSignalingMessagesPerSecond = 60
	DefaultWriteWait                     = 1 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// StaticDir is the directory holding the built frontend bundle. Empty
	// disables static serving (API/signaling only).
	StaticDir string

	ModelPath string
	// OnnxRuntimeLib optionally points at the onnxruntime shared library for
	// platforms where the default lookup fails.
	OnnxRuntimeLib string
	ModelInputSize int
	ConfThreshold  float64
	IoUThreshold   float64

	InferenceWorkers    int
	InferenceQueueDepth int
	InferenceDeadline   time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	WriteWait                     time.Duration

	// ICEServers is handed to browser clients via GET /webrtc/ice so both
	// peers negotiate against the same STUN/TURN set.
	ICEServers []webrtc.ICEServer
}

// Load parses configuration from environment variables and command-line flags.
// Flags take precedence over the environment.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	var cfg Config

	modeRaw := envOrDefault(lookup, envVarMode, string(DefaultMode))
	mode, err := parseMode(modeRaw)
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode

	logFormat, err := parseLogFormat(envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogFormat = logFormat

	logLevel, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode)))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = logLevel

	cfg.ListenAddr = envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	cfg.StaticDir = envOrDefault(lookup, envVarStaticDir, "")
	cfg.ModelPath = envOrDefault(lookup, envVarModelPath, DefaultModelPath)
	cfg.OnnxRuntimeLib = envOrDefault(lookup, envVarOnnxRuntimeLib, "")

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ModelInputSize, err = envIntOrDefault(lookup, envVarModelInputSize, DefaultModelInputSize); err != nil {
		return Config{}, err
	}
	if cfg.ConfThreshold, err = envFloatOrDefault(lookup, envVarConfThreshold, DefaultConfThreshold); err != nil {
		return Config{}, err
	}
	if cfg.IoUThreshold, err = envFloatOrDefault(lookup, envVarIoUThreshold, DefaultIoUThreshold); err != nil {
		return Config{}, err
	}
	if cfg.InferenceWorkers, err = envIntOrDefault(lookup, envVarInferenceWorkers, DefaultInferenceWorkers); err != nil {
		return Config{}, err
	}
	if cfg.InferenceQueueDepth, err = envIntOrDefault(lookup, envVarInferenceQueueDepth, DefaultInferenceQueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.InferenceDeadline, err = envDurationOrDefault(lookup, envVarInferenceDeadline, DefaultInferenceDeadline); err != nil {
		return Config{}, err
	}
	if cfg.WriteWait, err = envDurationOrDefault(lookup, envVarWriteWait, DefaultWriteWait); err != nil {
		return Config{}, err
	}
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}

	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)

	iceServers, err := parseICEServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	fs := flag.NewFlagSet("camsight", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory with the built frontend bundle (empty disables static serving)")
	fs.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "path to the ONNX detection model")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%s must not be empty", envVarListenAddr)
	}
	if c.ModelInputSize <= 0 {
		return fmt.Errorf("%s must be positive", envVarModelInputSize)
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		return fmt.Errorf("%s must be in [0,1]", envVarConfThreshold)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("%s must be in [0,1]", envVarIoUThreshold)
	}
	if c.InferenceWorkers <= 0 {
		return fmt.Errorf("%s must be positive", envVarInferenceWorkers)
	}
	if c.InferenceQueueDepth <= 0 {
		return fmt.Errorf("%s must be positive", envVarInferenceQueueDepth)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessagesPerSecond)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected dev or prod)", envVarMode, raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
