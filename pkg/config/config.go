package config

import (
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all runtime settings
type Config struct {
	Script string `default:"assets.star" usage:"Build script to load; searched in the working directory and its parents"`
	Log    struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Watch struct {
		Debounce time.Duration `default:"100ms" usage:"Quiet period before a changed file triggers a rebuild"`
	}
	Sass struct {
		Binary  string        `default:"sass" usage:"Dart Sass executable (must support --embedded)"`
		Timeout time.Duration `default:"30s" usage:"Maximum time a single stylesheet may take to compile"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Flags are handled
// by the CLI, so the loader only reads assetpipe.toml and ASSETPIPE_* environment variables.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	if len(files) == 0 {
		files = []string{"assetpipe.toml"}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "ASSETPIPE",
		AllowUnknownEnvs: true, // ASSETPIPE_DEBUG isn't a config field
		SkipFlags:        true,
		Files:            files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Script == "" {
		return eris.New(`Invalid value for script: must not be empty`)
	}

	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Watch.Debounce < 0 {
		return eris.Errorf(`Invalid value for watch.debounce: %s (must not be negative)`, cfg.Watch.Debounce)
	}

	if cfg.Sass.Binary == "" {
		return eris.New(`Invalid value for sass.binary: must not be empty`)
	}

	if cfg.Sass.Timeout <= 0 {
		return eris.Errorf(`Invalid value for sass.timeout: %s (must be positive)`, cfg.Sass.Timeout)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
