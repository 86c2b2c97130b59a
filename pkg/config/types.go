package config

import (
	"time"

	"github.com/cfoust/glide/pkg/batch"
	"github.com/cfoust/glide/pkg/prediction"
	"github.com/cfoust/glide/pkg/prefs"
	"github.com/cfoust/glide/pkg/protocol"
	"github.com/cfoust/glide/pkg/reconnect"
	"github.com/cfoust/glide/pkg/session"
)

type Client struct {
	Server    string `yaml:"server"`
	Transport string `yaml:"transport"`
	Entity    string `yaml:"entity"`
	// A fixed token, used when no token URL is set
	Token          string        `yaml:"token"`
	TokenURL       string        `yaml:"tokenUrl"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

type Config struct {
	Client     Client            `yaml:"client"`
	Prediction prediction.Config `yaml:"prediction"`
	Reconnect  reconnect.Config  `yaml:"reconnect"`
	Batch      batch.Config      `yaml:"batch"`
	Protocol   protocol.Config   `yaml:"protocol"`
	Prefs      prefs.Config      `yaml:"prefs"`
}

func (c *Config) Session() session.Config {
	return session.Config{
		EntityID:   c.Client.Entity,
		Prediction: c.Prediction,
		Reconnect:  c.Reconnect,
		Batch:      c.Batch,
		Protocol:   c.Protocol,
	}
}
