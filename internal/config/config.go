package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir       string
		MaxConcurrent int
		PumpDelay     time.Duration
	}
	Storage struct {
		MaxBytes        int64
		AutoCleanup     bool
		AutoCleanupDays int
		CleanupInterval time.Duration
	}
	Engine struct {
		MaxRunners     int
		ExtractorBin   string
		Proxy          string
		TitleTimeout   time.Duration
		TitleCacheSize int
	}
	Playlist struct {
		Timeout time.Duration
	}
	Auth struct {
		APIKey           string
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
	Export struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("BATCHDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8898")
	v.SetDefault("database.path", "data/.store/batch.db")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("download.pumpdelay", 100*time.Millisecond)
	v.SetDefault("storage.maxbytes", int64(100<<30))
	v.SetDefault("storage.autocleanup", false)
	v.SetDefault("storage.autocleanupdays", 7)
	v.SetDefault("storage.cleanupinterval", time.Hour)
	v.SetDefault("engine.maxrunners", 3)
	v.SetDefault("engine.extractorbin", "yt-dlp")
	v.SetDefault("engine.proxy", "")
	v.SetDefault("engine.titletimeout", 10*time.Second)
	v.SetDefault("engine.titlecachesize", 512)
	v.SetDefault("playlist.timeout", 60*time.Second)
	v.SetDefault("auth.apikey", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 1440)
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.keyprefix", "batch-tasks")
	v.SetDefault("export.region", "us-east-1")
	v.SetDefault("export.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Download.MaxConcurrent < 1 {
		return Config{}, fmt.Errorf("download.maxconcurrent must be at least 1, got %d", cfg.Download.MaxConcurrent)
	}

	return cfg, nil
}

// TokenTTL is the lifetime of issued API tokens.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
