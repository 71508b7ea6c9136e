package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/dkeye/sfucore/internal/domain"
)

type MediaSpecs struct {
	Audio domain.MediaSpec `mapstructure:"audio"`
	Video domain.MediaSpec `mapstructure:"video"`
}

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	BusURL string `mapstructure:"bus_url"`
	MCSURL string `mapstructure:"mcs_url"`

	VideoMediaServer          string        `mapstructure:"video_media_server"`
	ConferenceMediaSpecs      MediaSpecs    `mapstructure:"conference_media_specs"`
	WSStrictHeaderParsing     bool          `mapstructure:"ws_strict_header_parsing"`
	MediaFlowTimeoutDuration  time.Duration `mapstructure:"media_flow_timeout_duration"`
	MediaStateTimeoutDuration time.Duration `mapstructure:"media_state_timeout_duration"`
	EjectOnUserLeft           bool          `mapstructure:"eject_on_user_left"`
	FullAudioEnabled          bool          `mapstructure:"full_audio_enabled"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("bus_url", "ws://127.0.0.1:3010/bus")
	v.SetDefault("mcs_url", "ws://127.0.0.1:3000/mcs")
	v.SetDefault("video_media_server", "mediasoup")
	v.SetDefault("conference_media_specs.audio.codec", "OPUS")
	v.SetDefault("conference_media_specs.audio.bitrate", 48)
	v.SetDefault("conference_media_specs.video.codec", "VP8")
	v.SetDefault("conference_media_specs.video.bitrate", 300)
	v.SetDefault("ws_strict_header_parsing", false)
	v.SetDefault("media_flow_timeout_duration", "15s")
	v.SetDefault("media_state_timeout_duration", "30s")
	v.SetDefault("eject_on_user_left", true)
	v.SetDefault("full_audio_enabled", false)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | MCS: %s\n", cfg.Mode, cfg.Port, cfg.MCSURL)
	return &cfg, nil
}
