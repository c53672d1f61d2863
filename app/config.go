package chatter

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/putto11262002/chatter-client/chat"
	"github.com/putto11262002/chatter-client/pkg/token"
)

// EnvPrefix prefixes every environment variable read by LoadConfig,
// e.g. CHATTER_API_URL for api.url.
const EnvPrefix = "CHATTER"

type Config struct {
	API struct {
		// URL is the base URL of the REST API.
		URL string `validate:"required,url"`
		// Timeout bounds every REST request. The default is 10s.
		Timeout time.Duration `validate:"gt=0"`
	}
	WS struct {
		// URL is the STOMP websocket endpoint, e.g. ws://localhost:8080/ws-stomp.
		URL string `validate:"required,wsurl"`
		// Heartbeat is used for both heart-beat directions. The default is 4s.
		Heartbeat time.Duration `validate:"min=0"`
		// ReconnectDelay is the fixed wait before redialing. The default is 5s.
		ReconnectDelay time.Duration `validate:"gt=0"`
		RoomTopic      string        `validate:"required"`
		ControlTopic   string        `validate:"required"`
		Publish        string        `validate:"required"`
	}
	SSE struct {
		// URL is the base URL of the notification stream. The default is the API URL.
		URL string `validate:"omitempty,url"`
	}
	Auth struct {
		// Cookie is the name of the cookie holding the access token.
		Cookie string `validate:"required"`
		// Token seeds the token store, e.g. from a browser session.
		Token string
		// UserID and Password sign in when no token is configured.
		UserID   string
		Password string
	}
	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string `validate:"oneof=json console"`
	}
	Metrics struct {
		// Addr serves /metrics when set, e.g. 127.0.0.1:9090.
		Addr string `validate:"omitempty,hostname_port"`
	}
	valid bool
}

// Destinations returns the broker destinations configured for the channel.
func (c *Config) Destinations() chat.Destinations {
	return chat.Destinations{
		RoomTopic:    c.WS.RoomTopic,
		ControlTopic: c.WS.ControlTopic,
		Publish:      c.WS.Publish,
	}
}

// NotificationURL returns the base URL of the push stream.
func (c *Config) NotificationURL() string {
	if c.SSE.URL != "" {
		return c.SSE.URL
	}
	return c.API.URL
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://localhost:8080")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("ws.url", "ws://localhost:8080/ws-stomp")
	v.SetDefault("ws.heartbeat", chat.DefaultHeartbeat.String())
	v.SetDefault("ws.reconnectdelay", chat.DefaultReconnectDelay.String())
	v.SetDefault("ws.roomtopic", chat.DefaultDestinations.RoomTopic)
	v.SetDefault("ws.controltopic", chat.DefaultDestinations.ControlTopic)
	v.SetDefault("ws.publish", chat.DefaultDestinations.Publish)
	v.SetDefault("sse.url", "")
	v.SetDefault("auth.cookie", token.DefaultCookieName)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.userid", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", "")
}

// LoadConfig loads the configuration from a yaml file, a .env file and
// environment variables, in increasing order of precedence. An empty path
// looks for config.yaml in the working directory; a missing file is not an error.
// Values that fail to decode are left for the validation step to report.
func LoadConfig(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := decode(v, config); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func decode(v *viper.Viper, config *Config) error {
	return v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	)
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	if _, err := url.Parse(c.WS.URL); err != nil {
		return fmt.Errorf("ws.url: %w", err)
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		if err == nil {
			return ""
		}
		return err.Error() + "\n"
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
