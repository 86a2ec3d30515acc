package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type LoggerMode struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Server configures cmd/server.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	DatabaseDSN     string        `mapstructure:"db_dsn"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	SendRate        float64       `mapstructure:"send_rate"`
	SendBurst       int           `mapstructure:"send_burst"`
	Log             LoggerMode    `mapstructure:"log"`
}

// Client configures the realtime client stack.
type Client struct {
	APIURL            string        `mapstructure:"api_url"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	HeartbeatIncoming time.Duration `mapstructure:"heartbeat_incoming"`
	HeartbeatOutgoing time.Duration `mapstructure:"heartbeat_outgoing"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	TokenExpiryMargin time.Duration `mapstructure:"token_expiry_margin"`
	ICEServers        []string      `mapstructure:"ice_servers"`
	TokenStorePath    string        `mapstructure:"token_store_path"`
	Log               LoggerMode    `mapstructure:"log"`
}

const envPrefix = "CHATLINK"

func newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readConfigFile loads an explicit file when given, otherwise an optional
// <name>.yaml from ./config or the working directory.
func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && explicit == "" {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// DefaultServer returns the values used when nothing overrides them.
func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		RedisAddr:       "localhost:6379",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		SendRate:        20,
		SendBurst:       40,
		Log:             LoggerMode{Level: "info"},
	}
}

// LoadServer registers the server flags on fs, parses args and merges flags,
// environment, .env and the optional config file. The bare DB_DSN,
// JWT_SECRET and REDIS_ADDR variables are honoured too.
func LoadServer(fs *pflag.FlagSet, args []string) (*Server, error) {
	def := DefaultServer()
	configFile := fs.String("config", "", "path to a YAML config file")
	fs.String("addr", def.Addr, "http service address")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	fs.Bool("log-json", false, "emit JSON logs")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	v := newViper("server")
	v.SetDefault("addr", def.Addr)
	v.SetDefault("db_dsn", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("access_token_ttl", def.AccessTokenTTL)
	v.SetDefault("refresh_token_ttl", def.RefreshTokenTTL)
	v.SetDefault("send_rate", def.SendRate)
	v.SetDefault("send_burst", def.SendBurst)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", false)

	for key, env := range map[string]string{
		"db_dsn":     "DB_DSN",
		"jwt_secret": "JWT_SECRET",
		"redis_addr": "REDIS_ADDR",
	} {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key), env); err != nil {
			return nil, err
		}
	}
	if err := bindFlags(v, fs, map[string]string{
		"addr":      "addr",
		"log.level": "log-level",
		"log.json":  "log-json",
	}); err != nil {
		return nil, err
	}
	if err := readConfigFile(v, *configFile); err != nil {
		return nil, err
	}

	var c Server
	if err := v.Unmarshal(&c); err != nil {
		slog.Error("Unable to unmarshal config", "err", err)
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Server) Validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("DB_DSN is not set")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	return nil
}

// DefaultClient returns the values used when nothing overrides them.
func DefaultClient() Client {
	return Client{
		APIURL:            "http://localhost:8080",
		ReconnectDelay:    5 * time.Second,
		HeartbeatIncoming: 10 * time.Second,
		HeartbeatOutgoing: 10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		TokenExpiryMargin: 30 * time.Second,
		ICEServers:        []string{"stun:stun.l.google.com:19302"},
		TokenStorePath:    "chatlink-tokens.json",
		Log:               LoggerMode{Level: "info"},
	}
}

// LoadClient registers the client flags on fs, parses args and merges flags,
// environment (CHATLINK_*) and the optional config file. Callers may add
// their own flags to fs before calling.
func LoadClient(fs *pflag.FlagSet, args []string) (*Client, error) {
	def := DefaultClient()
	configFile := fs.String("config", "", "path to a YAML config file")
	fs.String("api-url", def.APIURL, "chat server base URL")
	fs.Duration("reconnect-delay", def.ReconnectDelay, "delay between reconnect attempts")
	fs.Duration("token-expiry-margin", def.TokenExpiryMargin, "refresh access tokens this long before expiry")
	fs.StringSlice("ice-server", def.ICEServers, "ICE server URL (repeatable)")
	fs.String("token-store", def.TokenStorePath, "file holding the refresh token")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := newViper("client")
	v.SetDefault("api_url", def.APIURL)
	v.SetDefault("reconnect_delay", def.ReconnectDelay)
	v.SetDefault("heartbeat_incoming", def.HeartbeatIncoming)
	v.SetDefault("heartbeat_outgoing", def.HeartbeatOutgoing)
	v.SetDefault("connection_timeout", def.ConnectionTimeout)
	v.SetDefault("token_expiry_margin", def.TokenExpiryMargin)
	v.SetDefault("ice_servers", def.ICEServers)
	v.SetDefault("token_store_path", def.TokenStorePath)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", false)

	if err := bindFlags(v, fs, map[string]string{
		"api_url":             "api-url",
		"reconnect_delay":     "reconnect-delay",
		"token_expiry_margin": "token-expiry-margin",
		"ice_servers":         "ice-server",
		"token_store_path":    "token-store",
		"log.level":           "log-level",
	}); err != nil {
		return nil, err
	}
	if err := readConfigFile(v, *configFile); err != nil {
		return nil, err
	}

	var c Client
	if err := v.Unmarshal(&c); err != nil {
		slog.Error("Unable to unmarshal config", "err", err)
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Client) Validate() error {
	if c.APIURL == "" {
		return errors.New("api_url is not set")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect_delay must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("connection_timeout must be positive")
	}
	if c.TokenExpiryMargin < 0 {
		return errors.New("token_expiry_margin must not be negative")
	}
	return nil
}

// WebSocketURL is the STOMP endpoint on the API host.
func (c *Client) WebSocketURL() (string, error) {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return "", fmt.Errorf("api_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("api_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, flagName := range keys {
		flag := fs.Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("flag %q not registered", flagName)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}
