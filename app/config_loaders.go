package chatter

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// dotEnvFiles are loaded into the environment before the configuration is
// read. Variables already set in the environment win.
var dotEnvFiles = []string{".env"}

func loadDotEnv() error {
	for _, f := range dotEnvFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// DevConfig returns the default configuration pointed at a development
// backend served at baseURL, signed in with accessToken.
func DevConfig(baseURL, wsURL, accessToken string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.Set("api.url", baseURL)
	v.Set("ws.url", wsURL)
	v.Set("auth.token", accessToken)
	v.Set("log.level", "debug")

	config := &Config{}
	if err := decode(v, config); err != nil {
		return nil, err
	}
	return config, config.Validate()
}
