package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Model      ModelConfig      `mapstructure:"model"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Server     ServerConfig     `mapstructure:"server"`
	Generation GenerationConfig `mapstructure:"generation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	LogLevel   string           `mapstructure:"log_level"`
}

type PathsConfig struct {
	CheckpointDir string `mapstructure:"checkpoint_dir"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
	VoiceDir      string `mapstructure:"voice_dir"`
	ONNXManifest  string `mapstructure:"onnx_manifest"`

	// AllowEmptyVoices lets serve start with no registered voice.
	AllowEmptyVoices bool `mapstructure:"allow_empty_voices"`
}

type ModelConfig struct {
	Variant string `mapstructure:"variant"`
	Backend string `mapstructure:"backend"`
}

type RuntimeConfig struct {
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type GenerationConfig struct {
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	TopK              int     `mapstructure:"top_k"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	RepetitionWindow  int     `mapstructure:"repetition_window"`
	MaxNewTokens      int     `mapstructure:"max_new_tokens"`
	ChunkChars        int     `mapstructure:"chunk_chars"`
	Concurrency       int     `mapstructure:"concurrency"`
	BatchSize         int     `mapstructure:"batch_size"`
	BatchWindowMS     int     `mapstructure:"batch_window_ms"`
	Warmup            bool    `mapstructure:"warmup"`
}

type CacheConfig struct {
	ReferenceTTL      int `mapstructure:"reference_ttl"`
	ReferenceCapacity int `mapstructure:"reference_capacity"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			CheckpointDir: "checkpoints/fish-speech-1.5",
			TokenizerPath: "",
			VoiceDir:      "voices",
			ONNXManifest:  "",
		},
		Model: ModelConfig{
			Variant: "1.5",
			Backend: BackendONNX,
		},
		Runtime: RuntimeConfig{
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Server: ServerConfig{
			ListenAddr:      ":3000",
			MaxBodyBytes:    32 << 20,
			MaxTextBytes:    16384,
			RequestTimeout:  300,
			ShutdownTimeout: 30,
		},
		Generation: GenerationConfig{
			Temperature:       0.7,
			TopP:              0.8,
			TopK:              0,
			RepetitionPenalty: 1.2,
			RepetitionWindow:  16,
			MaxNewTokens:      1024,
			ChunkChars:        200,
			Concurrency:       1,
			BatchSize:         1,
			BatchWindowMS:     10,
			Warmup:            true,
		},
		Cache: CacheConfig{
			ReferenceTTL:      600,
			ReferenceCapacity: 32,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-checkpoint-dir", defaults.Paths.CheckpointDir, "Model checkpoint directory")
	fs.String("paths-tokenizer-path", defaults.Paths.TokenizerPath, "Path to tokenizer.json (defaults to <checkpoint>/tokenizer.json)")
	fs.String("paths-voice-dir", defaults.Paths.VoiceDir, "Directory holding voice token files and index.json")
	fs.String("paths-onnx-manifest", defaults.Paths.ONNXManifest, "Path to ONNX graph manifest (defaults to <checkpoint>/manifest.json)")
	fs.Bool("paths-allow-empty-voices", defaults.Paths.AllowEmptyVoices, "Serve even when the voice directory holds no voice")
	fs.String("model-variant", defaults.Model.Variant, "Model variant (1.2|1.4|1.5|s1-mini)")
	fs.String("model-backend", defaults.Model.Backend, "Numeric back-end (onnx|synthetic)")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int64("server-max-body-bytes", defaults.Server.MaxBodyBytes, "Maximum request body size in bytes")
	fs.Int("server-max-text-bytes", defaults.Server.MaxTextBytes, "Maximum synthesis input size in bytes")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request deadline in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.Float64("generation-temperature", defaults.Generation.Temperature, "Default sampling temperature")
	fs.Float64("generation-top-p", defaults.Generation.TopP, "Default nucleus sampling threshold")
	fs.Int("generation-top-k", defaults.Generation.TopK, "Default top-k bound (0 disables)")
	fs.Float64("generation-repetition-penalty", defaults.Generation.RepetitionPenalty, "Default repetition penalty")
	fs.Int("generation-repetition-window", defaults.Generation.RepetitionWindow, "Tokens considered by the repetition penalty")
	fs.Int("generation-max-new-tokens", defaults.Generation.MaxNewTokens, "Maximum generated tokens per chunk")
	fs.Int("generation-chunk-chars", defaults.Generation.ChunkChars, "Maximum characters per text chunk")
	fs.Int("generation-concurrency", defaults.Generation.Concurrency, "Admission gate capacity")
	fs.Int("generation-batch-size", defaults.Generation.BatchSize, "Maximum requests coalesced into one static batch")
	fs.Int("generation-batch-window-ms", defaults.Generation.BatchWindowMS, "Time to wait for batch companions in milliseconds")
	fs.Bool("generation-warmup", defaults.Generation.Warmup, "Run one synthetic request before serving")
	fs.Int("cache-reference-ttl", defaults.Cache.ReferenceTTL, "Lifetime of cached ad-hoc reference prompts in seconds")
	fs.Int("cache-reference-capacity", defaults.Cache.ReferenceCapacity, "Maximum cached ad-hoc reference prompts")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	v.SetEnvPrefix("FISHSPEECH")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "FISHSPEECH_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("fishspeech")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if _, err := ParseVariant(c.Model.Variant); err != nil {
		return err
	}
	if _, err := NormalizeBackend(c.Model.Backend); err != nil {
		return err
	}
	if c.Generation.Concurrency < 1 {
		return fmt.Errorf("generation.concurrency must be >= 1, got %d", c.Generation.Concurrency)
	}
	if c.Generation.BatchSize < 1 {
		return fmt.Errorf("generation.batch_size must be >= 1, got %d", c.Generation.BatchSize)
	}
	if c.Generation.MaxNewTokens < 1 {
		return fmt.Errorf("generation.max_new_tokens must be >= 1, got %d", c.Generation.MaxNewTokens)
	}
	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.checkpoint_dir", c.Paths.CheckpointDir)
	v.SetDefault("paths.tokenizer_path", c.Paths.TokenizerPath)
	v.SetDefault("paths.voice_dir", c.Paths.VoiceDir)
	v.SetDefault("paths.onnx_manifest", c.Paths.ONNXManifest)
	v.SetDefault("paths.allow_empty_voices", c.Paths.AllowEmptyVoices)
	v.SetDefault("model.variant", c.Model.Variant)
	v.SetDefault("model.backend", c.Model.Backend)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("generation.temperature", c.Generation.Temperature)
	v.SetDefault("generation.top_p", c.Generation.TopP)
	v.SetDefault("generation.top_k", c.Generation.TopK)
	v.SetDefault("generation.repetition_penalty", c.Generation.RepetitionPenalty)
	v.SetDefault("generation.repetition_window", c.Generation.RepetitionWindow)
	v.SetDefault("generation.max_new_tokens", c.Generation.MaxNewTokens)
	v.SetDefault("generation.chunk_chars", c.Generation.ChunkChars)
	v.SetDefault("generation.concurrency", c.Generation.Concurrency)
	v.SetDefault("generation.batch_size", c.Generation.BatchSize)
	v.SetDefault("generation.batch_window_ms", c.Generation.BatchWindowMS)
	v.SetDefault("generation.warmup", c.Generation.Warmup)
	v.SetDefault("cache.reference_ttl", c.Cache.ReferenceTTL)
	v.SetDefault("cache.reference_capacity", c.Cache.ReferenceCapacity)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps config keys to the flag names RegisterFlags creates.
var flagKeys = []struct{ key, flag string }{
	{"paths.checkpoint_dir", "paths-checkpoint-dir"},
	{"paths.tokenizer_path", "paths-tokenizer-path"},
	{"paths.voice_dir", "paths-voice-dir"},
	{"paths.onnx_manifest", "paths-onnx-manifest"},
	{"paths.allow_empty_voices", "paths-allow-empty-voices"},
	{"model.variant", "model-variant"},
	{"model.backend", "model-backend"},
	{"runtime.ort_library_path", "runtime-ort-library-path"},
	{"runtime.ort_version", "runtime-ort-version"},
	{"server.listen_addr", "server-listen-addr"},
	{"server.max_body_bytes", "server-max-body-bytes"},
	{"server.max_text_bytes", "server-max-text-bytes"},
	{"server.request_timeout", "server-request-timeout"},
	{"server.shutdown_timeout", "server-shutdown-timeout"},
	{"generation.temperature", "generation-temperature"},
	{"generation.top_p", "generation-top-p"},
	{"generation.top_k", "generation-top-k"},
	{"generation.repetition_penalty", "generation-repetition-penalty"},
	{"generation.repetition_window", "generation-repetition-window"},
	{"generation.max_new_tokens", "generation-max-new-tokens"},
	{"generation.chunk_chars", "generation-chunk-chars"},
	{"generation.concurrency", "generation-concurrency"},
	{"generation.batch_size", "generation-batch-size"},
	{"generation.batch_window_ms", "generation-batch-window-ms"},
	{"generation.warmup", "generation-warmup"},
	{"cache.reference_ttl", "cache-reference-ttl"},
	{"cache.reference_capacity", "cache-reference-capacity"},
	{"log_level", "log-level"},
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		flag := fs.Lookup(fk.flag)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, flag); err != nil {
			return err
		}
	}
	return nil
}
