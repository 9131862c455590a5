// Package config holds the preprocessing parameters. A Config is an explicit
// value handed to each component; there is no package-level instance.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/go-playground/validator.v9"
)

// EnvPrefix prefixes environment overrides, e.g. SCANPREP_VOXEL_SIZE.
const EnvPrefix = "SCANPREP"

// maxFileSize bounds config files read from disk.
const maxFileSize = 1 * 1024 * 1024

// maxExactFloat32 is the largest magnitude at which every integer is exactly
// representable as a float32.
const maxExactFloat32 = 1 << 24

// Config is the full set of preprocessing parameters.
type Config struct {
	VoxelSize  float64 `mapstructure:"voxel_size" json:"voxel_size" validate:"gt=0,lte=2"`
	Stride     int     `mapstructure:"stride" json:"stride" validate:"min=1"`
	NumWorkers int     `mapstructure:"num_workers" json:"num_workers" validate:"min=1"`

	GeometryDir string `mapstructure:"geometry_dir" json:"geometry_dir"`
	LabelDir    string `mapstructure:"label_dir" json:"label_dir"`
	OutputDir   string `mapstructure:"output_dir" json:"output_dir"`
	GeometryExt string `mapstructure:"geometry_ext" json:"geometry_ext" validate:"required"`
	LabelExt    string `mapstructure:"label_ext" json:"label_ext" validate:"required"`

	LabelColumn    int    `mapstructure:"label_column" json:"label_column" validate:"min=0"`
	LabelDelimiter string `mapstructure:"label_delimiter" json:"label_delimiter" validate:"len=1"`

	LabelNeighbors     int     `mapstructure:"label_neighbors" json:"label_neighbors" validate:"min=1"`
	NormalMaxNeighbors int     `mapstructure:"normal_max_neighbors" json:"normal_max_neighbors" validate:"min=3"`
	NormalRadiusFactor float64 `mapstructure:"normal_radius_factor" json:"normal_radius_factor" validate:"gt=0"`
	InvalidLabel       int64   `mapstructure:"invalid_label" json:"invalid_label"`

	// CenterMode selects the origin subtracted before scaling.
	CenterMode  string `mapstructure:"center_mode" json:"center_mode" validate:"oneof=bbox centroid none"`
	Compression string `mapstructure:"compression" json:"compression" validate:"oneof=zstd lz4 none"`

	LedgerPath      string `mapstructure:"ledger_path" json:"ledger_path,omitempty"`
	MetricsTextfile string `mapstructure:"metrics_textfile" json:"metrics_textfile,omitempty"`
	LabelMap        string `mapstructure:"label_map" json:"label_map,omitempty"`

	Upload UploadConfig `mapstructure:"upload" json:"upload"`
	Log    LogConfig    `mapstructure:"log" json:"log"`
}

// UploadConfig configures the optional S3-compatible upload of records.
type UploadConfig struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	Bucket    string `mapstructure:"bucket" json:"bucket,omitempty"`
	Prefix    string `mapstructure:"prefix" json:"prefix,omitempty"`
	AccessKey string `mapstructure:"access_key" json:"-"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
	Secure    bool   `mapstructure:"secure" json:"secure"`
}

// Enabled reports whether an upload target is configured.
func (u UploadConfig) Enabled() bool { return u.Endpoint != "" }

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Encoding    string `mapstructure:"encoding" json:"encoding" validate:"oneof=json console"`
	Development bool   `mapstructure:"development" json:"development"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"voxel_size":           0.05,
		"stride":               1,
		"num_workers":          runtime.NumCPU(),
		"geometry_dir":         "",
		"label_dir":            "",
		"output_dir":           "",
		"geometry_ext":         ".pcd",
		"label_ext":            ".asc",
		"label_column":         6,
		"label_delimiter":      ";",
		"label_neighbors":      5,
		"normal_max_neighbors": 30,
		"normal_radius_factor": 2.0,
		"invalid_label":        0,
		"center_mode":          "bbox",
		"compression":          "zstd",
		"ledger_path":          "",
		"metrics_textfile":     "",
		"label_map":            "",
		"upload.endpoint":      "",
		"upload.bucket":        "",
		"upload.prefix":        "",
		"upload.access_key":    "",
		"upload.secret_key":    "",
		"upload.secure":        true,
		"log.level":            "info",
		"log.encoding":         "console",
		"log.development":      false,
	}
}

// SetDefaults registers every key with its default so env overrides and
// Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	for k, value := range defaults() {
		v.SetDefault(k, value)
	}
}

// NewViper returns a viper instance with defaults and SCANPREP_* env
// overrides registered.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the defaults with no file or environment applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		panic(err)
	}
	return c
}

// Load reads path (if non-empty) into v and returns the validated Config.
// The file must be YAML, JSON or TOML and at most 1 MiB. Keys absent from the
// file keep their defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		cleanPath := filepath.Clean(path)
		switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
		case ".yaml", ".yml", ".json", ".toml":
		default:
			return nil, fmt.Errorf("config file must be .yaml, .json or .toml, got %q", ext)
		}
		fileInfo, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if fileInfo.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field ranges and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}
	if math.IsNaN(c.VoxelSize) || math.IsInf(c.VoxelSize, 0) {
		return fmt.Errorf("voxel_size must be finite, got %v", c.VoxelSize)
	}
	// Largest record coordinate is (1/voxel_size + 1) * stride.
	if (1/c.VoxelSize+1)*float64(c.Stride) > maxExactFloat32 {
		return fmt.Errorf("voxel_size %g with stride %d exceeds exact float32 grid range", c.VoxelSize, c.Stride)
	}
	for name, ext := range map[string]string{"geometry_ext": c.GeometryExt, "label_ext": c.LabelExt} {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("%s must start with '.', got %q", name, ext)
		}
	}
	if c.Upload.Enabled() && c.Upload.Bucket == "" {
		return errors.New("upload.bucket is required when upload.endpoint is set")
	}
	if c.LabelColumn > 64 {
		return fmt.Errorf("label_column %d is implausibly large", c.LabelColumn)
	}
	return nil
}

// RequireDirs checks the directories the preprocess command needs.
func (c *Config) RequireDirs() error {
	var missing []string
	if c.GeometryDir == "" {
		missing = append(missing, "geometry_dir")
	}
	if c.LabelDir == "" {
		missing = append(missing, "label_dir")
	}
	if c.OutputDir == "" {
		missing = append(missing, "output_dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Delimiter returns LabelDelimiter as a rune.
func (c *Config) Delimiter() rune {
	if c.LabelDelimiter == "" {
		return ';'
	}
	return []rune(c.LabelDelimiter)[0]
}

// NormalRadius is the neighbour search radius for normal estimation.
func (c *Config) NormalRadius() float64 {
	return c.NormalRadiusFactor * c.VoxelSize
}
