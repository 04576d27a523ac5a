package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Router        RouterConfig        `yaml:"router"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Evaluation    EvaluationConfig    `yaml:"evaluation"`
	Drift         DriftConfig         `yaml:"drift"`
	Prompts       PromptsConfig       `yaml:"prompts"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ProvidersConfig struct {
	OpenAI    RemoteProviderConfig `yaml:"openai"`
	Anthropic RemoteProviderConfig `yaml:"anthropic"`
	Gemini    RemoteProviderConfig `yaml:"gemini"`
	Ollama    OllamaConfig         `yaml:"ollama"`
	Mock      MockConfig           `yaml:"mock"`
}

// RemoteProviderConfig configures a hosted provider. A provider without an
// API key is not registered.
type RemoteProviderConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	Burst        int     `yaml:"burst"`
}

func (c RemoteProviderConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type OllamaConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

type MockConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RouterConfig struct {
	AttemptTimeoutMS int `yaml:"attempt_timeout_ms"`
}

func (c RouterConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMS) * time.Millisecond
}

type RecorderConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type EvaluationConfig struct {
	Enabled            bool                `yaml:"enabled"`
	QueueSize          int                 `yaml:"queue_size"`
	Workers            int                 `yaml:"workers"`
	EvaluatorTimeoutMS int                 `yaml:"evaluator_timeout_ms"`
	Judges             []JudgeConfig       `yaml:"judges"`
	Hallucination      HallucinationConfig `yaml:"hallucination"`
}

func (c EvaluationConfig) EvaluatorTimeout() time.Duration {
	return time.Duration(c.EvaluatorTimeoutMS) * time.Millisecond
}

type JudgeConfig struct {
	ID       string         `yaml:"id"`
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	Fallback []TargetConfig `yaml:"fallback"`
	Criteria []string       `yaml:"criteria"`
}

type TargetConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type HallucinationConfig struct {
	Enabled             bool    `yaml:"enabled"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	CorpusTTLMS         int     `yaml:"corpus_ttl_ms"`
}

type DriftConfig struct {
	Enabled          bool    `yaml:"enabled"`
	CheckIntervalMS  int     `yaml:"check_interval_ms"`
	BaselineDays     int     `yaml:"baseline_days"`
	CurrentDays      int     `yaml:"current_days"`
	MinBaselineCount int     `yaml:"min_baseline_count"`
	MinCurrentCount  int     `yaml:"min_current_count"`
	MediumThreshold  float64 `yaml:"medium_threshold"`
	HighThreshold    float64 `yaml:"high_threshold"`
	WebhookURL       string  `yaml:"webhook_url"`
}

func (c DriftConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

type PromptsConfig struct {
	SeedFile string `yaml:"seed_file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "llmeval"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
	"ollama":    true,
	"mock":      true,
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/llmeval.db",
		},
		Providers: ProvidersConfig{
			OpenAI: RemoteProviderConfig{
				BaseURL: "https://api.openai.com/v1",
			},
			Anthropic: RemoteProviderConfig{
				BaseURL: "https://api.anthropic.com",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
			},
			Mock: MockConfig{
				Enabled: true,
			},
		},
		Router: RouterConfig{
			AttemptTimeoutMS: 30000,
		},
		Recorder: RecorderConfig{
			MaxAttempts: 3,
		},
		Evaluation: EvaluationConfig{
			Enabled:            true,
			QueueSize:          1024,
			Workers:            4,
			EvaluatorTimeoutMS: 60000,
			Judges: []JudgeConfig{
				{
					Provider: "mock",
					Model:    "mock-judge",
				},
			},
			Hallucination: HallucinationConfig{
				Enabled:             true,
				SimilarityThreshold: 0.5,
				CorpusTTLMS:         60000,
			},
		},
		Drift: DriftConfig{
			Enabled:          false,
			CheckIntervalMS:  3600000,
			BaselineDays:     7,
			CurrentDays:      1,
			MinBaselineCount: 30,
			MinCurrentCount:  10,
			MediumThreshold:  0.05,
			HighThreshold:    0.15,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if err := validateRemoteProvider("providers.openai", cfg.Providers.OpenAI); err != nil {
		return err
	}
	if err := validateRemoteProvider("providers.anthropic", cfg.Providers.Anthropic); err != nil {
		return err
	}
	if err := validateRemoteProvider("providers.gemini", cfg.Providers.Gemini); err != nil {
		return err
	}
	if cfg.Providers.Ollama.Enabled {
		if err := validateURL("providers.ollama.base_url", cfg.Providers.Ollama.BaseURL); err != nil {
			return err
		}
	}

	if cfg.Router.AttemptTimeoutMS <= 0 {
		return fmt.Errorf("router.attempt_timeout_ms must be > 0 (got %d)", cfg.Router.AttemptTimeoutMS)
	}
	if cfg.Recorder.MaxAttempts < 1 || cfg.Recorder.MaxAttempts > 10 {
		return fmt.Errorf("recorder.max_attempts must be between 1 and 10 (got %d)", cfg.Recorder.MaxAttempts)
	}
	if err := validateEvaluation(cfg.Evaluation); err != nil {
		return err
	}
	if err := validateDrift(cfg.Drift); err != nil {
		return err
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(strings.TrimSpace(cfg.Metrics.Path), "/") {
		return fmt.Errorf("metrics.path must start with '/' (got %q)", cfg.Metrics.Path)
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateEvaluation(cfg EvaluationConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("evaluation.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("evaluation.workers must be > 0 (got %d)", cfg.Workers)
	}
	if cfg.EvaluatorTimeoutMS <= 0 {
		return fmt.Errorf("evaluation.evaluator_timeout_ms must be > 0 (got %d)", cfg.EvaluatorTimeoutMS)
	}
	seen := make(map[string]bool, len(cfg.Judges))
	for idx, judge := range cfg.Judges {
		name := fmt.Sprintf("evaluation.judges[%d]", idx)
		if strings.TrimSpace(judge.Model) == "" {
			return fmt.Errorf("%s.model is required", name)
		}
		if provider := strings.TrimSpace(judge.Provider); provider != "" && !knownProviders[provider] {
			return fmt.Errorf("%s.provider must be one of openai, anthropic, gemini, ollama, mock (got %q)", name, judge.Provider)
		}
		for fIdx, target := range judge.Fallback {
			if strings.TrimSpace(target.Model) == "" {
				return fmt.Errorf("%s.fallback[%d].model is required", name, fIdx)
			}
			if provider := strings.TrimSpace(target.Provider); provider != "" && !knownProviders[provider] {
				return fmt.Errorf("%s.fallback[%d].provider must be one of openai, anthropic, gemini, ollama, mock (got %q)", name, fIdx, target.Provider)
			}
		}
		id := strings.TrimSpace(judge.ID)
		if id == "" {
			id = "judge-" + strings.TrimSpace(judge.Model)
		}
		if seen[id] {
			return fmt.Errorf("%s.id %q is duplicated", name, id)
		}
		seen[id] = true
	}
	if cfg.Hallucination.Enabled {
		if cfg.Hallucination.SimilarityThreshold <= 0 || cfg.Hallucination.SimilarityThreshold > 1 {
			return fmt.Errorf("evaluation.hallucination.similarity_threshold must be in (0, 1] (got %f)", cfg.Hallucination.SimilarityThreshold)
		}
		if cfg.Hallucination.CorpusTTLMS < 0 {
			return fmt.Errorf("evaluation.hallucination.corpus_ttl_ms must be >= 0 (got %d)", cfg.Hallucination.CorpusTTLMS)
		}
	}
	return nil
}

func validateDrift(cfg DriftConfig) error {
	if cfg.BaselineDays <= 0 {
		return fmt.Errorf("drift.baseline_days must be > 0 (got %d)", cfg.BaselineDays)
	}
	if cfg.CurrentDays <= 0 {
		return fmt.Errorf("drift.current_days must be > 0 (got %d)", cfg.CurrentDays)
	}
	if cfg.MinBaselineCount < 0 || cfg.MinCurrentCount < 0 {
		return errors.New("drift.min_baseline_count and drift.min_current_count must be >= 0")
	}
	if cfg.MediumThreshold <= 0 || cfg.HighThreshold <= cfg.MediumThreshold || cfg.HighThreshold >= 1 {
		return fmt.Errorf("drift thresholds must satisfy 0 < medium_threshold < high_threshold < 1 (got %f, %f)", cfg.MediumThreshold, cfg.HighThreshold)
	}
	if cfg.Enabled && cfg.CheckIntervalMS <= 0 {
		return fmt.Errorf("drift.check_interval_ms must be > 0 when drift.enabled=true (got %d)", cfg.CheckIntervalMS)
	}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		if err := validateURL("drift.webhook_url", cfg.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func validateRemoteProvider(name string, provider RemoteProviderConfig) error {
	if provider.RateLimitRPS < 0 {
		return fmt.Errorf("%s.rate_limit_rps must be >= 0 (got %f)", name, provider.RateLimitRPS)
	}
	if provider.Burst < 0 {
		return fmt.Errorf("%s.burst must be >= 0 (got %d)", name, provider.Burst)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return nil
	}
	return validateURL(name+".base_url", provider.BaseURL)
}

func validateURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("LLMEVAL_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("LLMEVAL_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid LLMEVAL_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("LLMEVAL_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("LLMEVAL_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("LLMEVAL_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Providers.Gemini.APIKey == "" {
		cfg.Providers.Gemini.APIKey = key
	}
	if ollamaURL := os.Getenv("LLMEVAL_OLLAMA_BASE_URL"); ollamaURL != "" {
		cfg.Providers.Ollama.BaseURL = ollamaURL
		cfg.Providers.Ollama.Enabled = true
	}
	if mockEnabled := os.Getenv("LLMEVAL_MOCK_ENABLED"); mockEnabled != "" {
		v, err := strconv.ParseBool(mockEnabled)
		if err != nil {
			return fmt.Errorf("invalid LLMEVAL_MOCK_ENABLED: %w", err)
		}
		cfg.Providers.Mock.Enabled = v
	}
	if evalEnabled := os.Getenv("LLMEVAL_EVALUATION_ENABLED"); evalEnabled != "" {
		v, err := strconv.ParseBool(evalEnabled)
		if err != nil {
			return fmt.Errorf("invalid LLMEVAL_EVALUATION_ENABLED: %w", err)
		}
		cfg.Evaluation.Enabled = v
	}
	if webhook := os.Getenv("LLMEVAL_DRIFT_WEBHOOK_URL"); webhook != "" {
		cfg.Drift.WebhookURL = webhook
	}

	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
