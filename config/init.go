package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Конечная структура конфигурации приложения (обе роли).
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 50051
	} `mapstructure:"server"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла; пусто, значит только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver   string `mapstructure:"driver"` // "postgres" | "mysql" | "sqlite" | "" (in-memory)
		DSN      string `mapstructure:"dsn"`    // если пусто, собирается из полей ниже
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Network struct {
		Subnet       string `mapstructure:"subnet"`        // 10.8.0.0/24
		ReserveFirst bool   `mapstructure:"reserve_first"` // .1 под координатор
		Keepalive    int    `mapstructure:"keepalive"`     // PersistentKeepalive, <0: не писать
	} `mapstructure:"network"`

	Propagation struct {
		PushTimeout  time.Duration `mapstructure:"push_timeout"`
		TotalTimeout time.Duration `mapstructure:"total_timeout"`
		Concurrency  int           `mapstructure:"concurrency"`
	} `mapstructure:"propagation"`

	RPC struct {
		Codec   string        `mapstructure:"codec"` // json|cbor
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"rpc"`

	Agent struct {
		Coordinator   string        `mapstructure:"coordinator"` // http://host:50051
		Endpoint      string        `mapstructure:"endpoint"`    // публичный адрес этого пира
		Listen        string        `mapstructure:"listen"`      // адрес, на котором слушает агент
		ControlPort   int           `mapstructure:"control_port"`
		WireguardPort int           `mapstructure:"wireguard_port"`
		NICName       string        `mapstructure:"nic_name"` // внешний интерфейс для MASQUERADE
		PrivateKey    string        `mapstructure:"private_key"`
		KeyFile       string        `mapstructure:"key_file"`
		GenerateKey   bool          `mapstructure:"generate_key"` // создать key_file, если его нет
		ConfigDir     string        `mapstructure:"config_dir"`
		Interface     string        `mapstructure:"interface"`
		Reloader      string        `mapstructure:"reloader"` // systemd|wg-quick|none
		PullInterval  time.Duration `mapstructure:"pull_interval"`
	} `mapstructure:"agent"`
}

// Options: откуда ещё брать значения, кроме env и дефолтов.
type Options struct {
	File  string                 // --config; иначе CONFIG_FILE и стандартные пути
	Flags map[string]*pflag.Flag // ключ viper → флаг cobra
}

const EnvPrefix = "WIRESYNC"

// Load читает конфиг из флагов/env/файла с дефолтами.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, f := range opts.Flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", key, err)
		}
	}

	// Источник файла
	cfgFile := opts.File
	if cfgFile == "" {
		cfgFile = os.Getenv("CONFIG_FILE")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("wiresync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "wiresync"))
		}
		v.AddConfigPath("/etc/wiresync")
	}

	// Чтение файла (опционально)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "50051")

	// Логи: дефолты
	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "text")
	v.SetDefault("logs.file", "")

	// DB: по умолчанию in-memory (пустой driver)
	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "user")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "wiresync")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("network.subnet", "10.8.0.0/24")
	v.SetDefault("network.reserve_first", false)
	v.SetDefault("network.keepalive", 25)

	v.SetDefault("propagation.push_timeout", 5*time.Second)
	v.SetDefault("propagation.total_timeout", 10*time.Second)
	v.SetDefault("propagation.concurrency", 16)

	v.SetDefault("rpc.codec", "json")
	v.SetDefault("rpc.timeout", 10*time.Second)

	v.SetDefault("agent.coordinator", "http://localhost:50051")
	v.SetDefault("agent.endpoint", "")
	v.SetDefault("agent.listen", "0.0.0.0")
	v.SetDefault("agent.control_port", 50052)
	v.SetDefault("agent.wireguard_port", 51820)
	v.SetDefault("agent.nic_name", "eth0")
	v.SetDefault("agent.private_key", "")
	v.SetDefault("agent.key_file", "")
	v.SetDefault("agent.generate_key", false)
	v.SetDefault("agent.config_dir", "/etc/wireguard")
	v.SetDefault("agent.interface", "ws0")
	v.SetDefault("agent.reloader", "wg-quick")
	v.SetDefault("agent.pull_interval", time.Minute)
}

/* ───── производные значения ───── */

// Subnet: разобранная network.subnet.
func (c *Config) Subnet() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(c.Network.Subnet))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("network.subnet: %w", err)
	}
	return p.Masked(), nil
}

// DatabaseDSN: database.dsn или DSN, собранный из host/port/user/password/name.
func (c *Config) DatabaseDSN() (string, error) {
	d := c.Database
	if d.DSN != "" {
		return d.DSN, nil
	}
	switch d.Driver {
	case "":
		return "", nil
	case "postgres":
		port := d.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
			Path:     "/" + d.Name,
			RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
		}
		return u.String(), nil
	case "mysql":
		port := d.Port
		if port == 0 {
			port = 3306
		}
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&charset=utf8mb4&loc=Local",
			d.User, d.Password, net.JoinHostPort(d.Host, strconv.Itoa(port)), d.Name), nil
	case "sqlite":
		return d.Name + ".db", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", d.Driver)
	}
}

// ConfigPath: файл конфигурации интерфейса на пире.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.Agent.ConfigDir, c.Agent.Interface+".conf")
}

// AgentListenAddr: адрес, на котором агент принимает RPC.
func (c *Config) AgentListenAddr() string {
	return net.JoinHostPort(c.Agent.Listen, strconv.Itoa(c.Agent.ControlPort))
}

/* ───── проверки по ролям ───── */

func (c *Config) validateCommon() error {
	switch c.RPC.Codec {
	case "", "json", "cbor":
	default:
		return fmt.Errorf("rpc.codec must be json or cbor, got %q", c.RPC.Codec)
	}
	return nil
}

func (c *Config) ValidateCoordinator() error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if _, err := c.Subnet(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres, mysql, sqlite or empty, got %q", c.Database.Driver)
	}
	if c.Propagation.Concurrency < 0 {
		return errors.New("propagation.concurrency must not be negative")
	}
	return nil
}

// ValidateAgent. needIdentity: режим listen (для deregister достаточно endpoint и порта).
func (c *Config) ValidateAgent(needIdentity bool) error {
	if err := c.validateCommon(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Agent.Coordinator) == "" {
		return errors.New("agent.coordinator must not be empty")
	}
	if strings.TrimSpace(c.Agent.Endpoint) == "" {
		return errors.New("agent.endpoint must not be empty")
	}
	if c.Agent.ControlPort < 1 || c.Agent.ControlPort > 65535 {
		return fmt.Errorf("agent.control_port %d out of range", c.Agent.ControlPort)
	}
	if !needIdentity {
		return nil
	}
	if c.Agent.WireguardPort < 1 || c.Agent.WireguardPort > 65535 {
		return fmt.Errorf("agent.wireguard_port %d out of range", c.Agent.WireguardPort)
	}
	if c.Agent.PrivateKey == "" && c.Agent.KeyFile == "" {
		return errors.New("agent.private_key or agent.key_file must be set")
	}
	if strings.TrimSpace(c.Agent.Interface) == "" {
		return errors.New("agent.interface must not be empty")
	}
	return nil
}
