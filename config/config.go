package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DownloadDirectory string        `yaml:"DownloadDirectory"`
	ListenPort        int           `yaml:"ListenPort"`
	MaxPeers          int           `yaml:"MaxPeers"`
	HashWorkers       int           `yaml:"HashWorkers"`
	PipelineMin       int           `yaml:"PipelineMin"`
	PipelineMax       int           `yaml:"PipelineMax"`
	EndgameThreshold  int           `yaml:"EndgameThreshold"`
	EndgameDuplicates int           `yaml:"EndgameDuplicates"`
	RequestTimeout    time.Duration `yaml:"RequestTimeout"`
	RandomFirstPiece  bool          `yaml:"RandomFirstPiece"`
	UploadRate        string        `yaml:"UploadRate"`
	DownloadRate      string        `yaml:"DownloadRate"`
	ControlAddr       string        `yaml:"ControlAddr"`
}

func InitConf(specPath string) (*Config, error) {
	viper.SetConfigName("transmission")
	viper.AddConfigPath("/etc/transmission/")
	viper.AddConfigPath("$HOME/.transmission")
	viper.AddConfigPath(".")

	viper.SetDefault("DownloadDirectory", "./downloads")
	viper.SetDefault("ListenPort", 51413)
	viper.SetDefault("MaxPeers", 100)
	viper.SetDefault("HashWorkers", 2)
	viper.SetDefault("PipelineMin", 5)
	viper.SetDefault("PipelineMax", 50)
	viper.SetDefault("EndgameThreshold", 20)
	viper.SetDefault("EndgameDuplicates", 2)
	viper.SetDefault("RequestTimeout", "60s")
	viper.SetDefault("RandomFirstPiece", true)
	viper.SetDefault("UploadRate", "unlimited")
	viper.SetDefault("DownloadRate", "unlimited")
	viper.SetDefault("ControlAddr", "127.0.0.1:9091")

	if specPath != "" {
		viper.SetConfigFile(specPath)
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}
