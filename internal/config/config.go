package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// UnsetTokenID marks an optional token id that was not configured.
const UnsetTokenID = -1

// Config is the immutable model configuration handed to every component at
// construction time.
type Config struct {
	// Text model
	TextHiddenSize   int     `mapstructure:"text_hidden_size"`
	IntermediateSize int     `mapstructure:"intermediate_size"`
	Layers           int     `mapstructure:"layers"`
	Heads            int     `mapstructure:"heads"`
	KVHeads          int     `mapstructure:"kv_heads"`
	HeadDim          int     `mapstructure:"head_dim"`
	VocabSize        int     `mapstructure:"vocab_size"`
	MaxPositions     int     `mapstructure:"max_positions"`
	RMSNormEps       float32 `mapstructure:"rms_norm_eps"`
	RopeTheta        float32 `mapstructure:"rope_theta"`
	WindowSize       int     `mapstructure:"window_size"`
	KVCacheSize      int     `mapstructure:"kv_cache_size"`
	TieEmbeddings    bool    `mapstructure:"tie_embeddings"`

	// Time-series tower
	TimeSeriesHiddenSize int `mapstructure:"time_series_hidden_size"`
	PatchLen             int `mapstructure:"patch_len"`
	SeqLen               int `mapstructure:"seq_len"`
	Channels             int `mapstructure:"channels"`

	// Projector
	ProjectorHiddenAct string `mapstructure:"projector_hidden_act"`

	// Special tokens
	TimeSeriesTokenID int `mapstructure:"time_series_token_id"`
	PadTokenID        int `mapstructure:"pad_token_id"`
	BOSTokenID        int `mapstructure:"bos_token_id"`
	EOSTokenID        int `mapstructure:"eos_token_id"`
	IgnoreIndex       int `mapstructure:"ignore_index"`

	DebugFusion bool `mapstructure:"debug_fusion"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	if c.TextHiddenSize <= 0 {
		return invalid("text_hidden_size: %d (must be positive)", c.TextHiddenSize)
	}
	if c.IntermediateSize <= 0 {
		return invalid("intermediate_size: %d (must be positive)", c.IntermediateSize)
	}
	if c.Layers <= 0 {
		return invalid("layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return invalid("heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return invalid("kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.Heads%c.KVHeads != 0 {
		return invalid("kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return invalid("head_dim: %d (must be positive and even)", c.HeadDim)
	}
	if c.TextHiddenSize != c.Heads*c.HeadDim {
		return invalid("text_hidden_size mismatch: %d != heads(%d) * head_dim(%d)", c.TextHiddenSize, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return invalid("vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.RMSNormEps <= 0 {
		return invalid("rms_norm_eps: %f (must be positive)", c.RMSNormEps)
	}
	if c.RopeTheta <= 0 {
		return invalid("rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.WindowSize < 0 {
		return invalid("window_size: %d (must be non-negative)", c.WindowSize)
	}
	if c.KVCacheSize < 0 {
		return invalid("kv_cache_size: %d (must be non-negative)", c.KVCacheSize)
	}
	if c.TimeSeriesHiddenSize <= 0 {
		return invalid("time_series_hidden_size: %d (must be positive)", c.TimeSeriesHiddenSize)
	}
	if c.PatchLen <= 0 {
		return invalid("patch_len: %d (must be positive)", c.PatchLen)
	}
	if c.SeqLen <= 0 || c.SeqLen%c.PatchLen != 0 {
		return invalid("seq_len: %d (must be a positive multiple of patch_len %d)", c.SeqLen, c.PatchLen)
	}
	if c.Channels <= 0 {
		return invalid("channels: %d (must be positive)", c.Channels)
	}
	if c.ProjectorHiddenAct == "" {
		return invalid("projector_hidden_act must be set")
	}
	if c.TimeSeriesTokenID < 0 || c.TimeSeriesTokenID >= c.VocabSize {
		return invalid("time_series_token_id: %d (must be in [0, %d))", c.TimeSeriesTokenID, c.VocabSize)
	}
	if c.PadTokenID < UnsetTokenID || c.PadTokenID >= c.VocabSize {
		return invalid("pad_token_id: %d (must be -1 or in [0, %d))", c.PadTokenID, c.VocabSize)
	}
	if c.PadTokenID == c.TimeSeriesTokenID {
		return invalid("pad_token_id and time_series_token_id must differ (both %d)", c.PadTokenID)
	}
	if c.EOSTokenID >= c.VocabSize {
		return invalid("eos_token_id: %d (must be < vocab_size %d)", c.EOSTokenID, c.VocabSize)
	}
	return nil
}

// PatchesPerInstance is the number of feature vectors one time-series
// instance expands to in the fused sequence.
func (c *Config) PatchesPerInstance() int {
	return c.Channels * (c.SeqLen / c.PatchLen)
}

// KVGroups is the number of query heads sharing one key/value head.
func (c *Config) KVGroups() int {
	return c.Heads / c.KVHeads
}

func (c *Config) HasPadToken() bool {
	return c.PadTokenID != UnsetTokenID
}

func (c *Config) UsesSlidingWindow() bool {
	return c.WindowSize > 0
}

func (c *Config) ProjectorActivation() string {
	return strings.ToLower(c.ProjectorHiddenAct)
}

func Default() Config {
	return Config{
		TextHiddenSize:   64,
		IntermediateSize: 176,
		Layers:           2,
		Heads:            4,
		KVHeads:          2,
		HeadDim:          16,
		VocabSize:        512,
		MaxPositions:     2048,
		RMSNormEps:       1e-5,
		RopeTheta:        10000.0,
		TieEmbeddings:    true,

		TimeSeriesHiddenSize: 32,
		PatchLen:             8,
		SeqLen:               64,
		Channels:             1,

		ProjectorHiddenAct: "gelu",

		TimeSeriesTokenID: 500,
		PadTokenID:        0,
		BOSTokenID:        1,
		EOSTokenID:        2,
		IgnoreIndex:       -100,
	}
}

// Load reads a YAML, JSON or TOML file on top of Default, applies TEMPO_*
// environment overrides and validates the result. An empty path loads only
// defaults and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TEMPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	for key, val := range defaultsMap(def) {
		v.SetDefault(key, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := def
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultsMap registers every key with viper so AutomaticEnv can see it.
func defaultsMap(c Config) map[string]interface{} {
	return map[string]interface{}{
		"text_hidden_size":        c.TextHiddenSize,
		"intermediate_size":       c.IntermediateSize,
		"layers":                  c.Layers,
		"heads":                   c.Heads,
		"kv_heads":                c.KVHeads,
		"head_dim":                c.HeadDim,
		"vocab_size":              c.VocabSize,
		"max_positions":           c.MaxPositions,
		"rms_norm_eps":            c.RMSNormEps,
		"rope_theta":              c.RopeTheta,
		"window_size":             c.WindowSize,
		"kv_cache_size":           c.KVCacheSize,
		"tie_embeddings":          c.TieEmbeddings,
		"time_series_hidden_size": c.TimeSeriesHiddenSize,
		"patch_len":               c.PatchLen,
		"seq_len":                 c.SeqLen,
		"channels":                c.Channels,
		"projector_hidden_act":    c.ProjectorHiddenAct,
		"time_series_token_id":    c.TimeSeriesTokenID,
		"pad_token_id":            c.PadTokenID,
		"bos_token_id":            c.BOSTokenID,
		"eos_token_id":            c.EOSTokenID,
		"ignore_index":            c.IgnoreIndex,
		"debug_fusion":            c.DebugFusion,
	}
}
