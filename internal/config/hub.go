package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// hub is the process-wide configuration singleton. Load callers (piece
// picker, scheduler, tracker client, ...) read through Load rather than
// threading a *Config through every constructor, since several of those
// types are built lazily per-torrent and shouldn't each need their own
// configuration plumbing.
var hub struct {
	mu   sync.RWMutex
	cfg  Config
	subs []chan Config
}

func init() {
	cfg, err := defaultConfig()
	if err != nil {
		// generateClientID only fails if the system CSPRNG is broken, in
		// which case nothing else in the process would work either.
		panic(fmt.Sprintf("config: failed to build default config: %v", err))
	}
	hub.cfg = cfg
}

// Load returns the current effective configuration. Safe for concurrent
// use; callers get a value copy and may read it without locking.
func Load() Config {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.cfg
}

// Set replaces the effective configuration and notifies any OnChange
// subscribers. Used by Init after loading from flags/env/file, and by
// tests that want to exercise a non-default configuration.
func Set(cfg Config) {
	hub.mu.Lock()
	hub.cfg = cfg
	subs := append([]chan Config(nil), hub.subs...)
	hub.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Slow subscriber; drop rather than block the config writer.
		}
	}
}

// OnChange registers a channel that receives the new Config every time Set
// (directly, or indirectly via a watched config file) installs one. The
// channel is buffered by the caller's choosing; Stop removes it.
func OnChange(buffer int) (ch <-chan Config, stop func()) {
	c := make(chan Config, buffer)

	hub.mu.Lock()
	hub.subs = append(hub.subs, c)
	hub.mu.Unlock()

	stop = func() {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		for i, sub := range hub.subs {
			if sub == c {
				hub.subs = append(hub.subs[:i], hub.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return c, stop
}

// Option customizes Init's behavior.
type Option func(*initOptions)

type initOptions struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
	watch      bool
}

// WithConfigFile points Init at an explicit config file path instead of
// viper's default search (./config.yaml, $HOME/.torrentd/config.yaml,
// /etc/torrentd/config.yaml).
func WithConfigFile(path string) Option {
	return func(o *initOptions) { o.configFile = path }
}

// WithEnvPrefix sets the prefix environment variables must carry to
// override config keys, e.g. prefix "TORRENTD" makes TORRENTD_MAX_PEERS
// override max_peers.
func WithEnvPrefix(prefix string) Option {
	return func(o *initOptions) { o.envPrefix = prefix }
}

// WithFlags binds a pflag.FlagSet (typically cobra's cmd.Flags()) so CLI
// flags take precedence over file and env values.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(o *initOptions) { o.flags = flags }
}

// WithFileWatch enables hot-reload: changes to the resolved config file are
// re-read and published via Set/OnChange without a process restart.
func WithFileWatch() Option {
	return func(o *initOptions) { o.watch = true }
}

// Init layers configuration sources in ascending priority (defaults <
// config file < environment < flags), installs the result via Set, and
// optionally starts a file watcher. Missing config file is not an error;
// every other source is optional by construction.
func Init(opts ...Option) error {
	o := &initOptions{envPrefix: "TORRENTD"}
	for _, opt := range opts {
		opt(o)
	}

	base, err := defaultConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	v := viper.New()
	bindDefaults(v, base)

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.torrentd")
		v.AddConfigPath("/etc/torrentd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("config: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if o.flags != nil {
		if err := v.BindPFlags(o.flags); err != nil {
			return fmt.Errorf("config: binding flags: %w", err)
		}
		// --dht and --metrics are shorter than the keys decode reads.
		for key, name := range map[string]string{"enable-dht": "dht", "metrics-enabled": "metrics"} {
			if f := o.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return fmt.Errorf("config: binding flags: %w", err)
				}
			}
		}
	}

	cfg, err := decode(v, base)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	Set(cfg)

	if o.watch {
		v.OnConfigChange(func(fsnotify.Event) {
			if updated, err := decode(v, Load()); err == nil {
				Set(updated)
			}
		})
		v.WatchConfig()
	}

	return nil
}

// bindDefaults registers every field's default with viper so a partially
// specified config file/env/flag set still produces a complete Config.
func bindDefaults(v *viper.Viper, base Config) {
	v.SetDefault("max-peers", base.MaxPeers)
	v.SetDefault("num-want", base.NumWant)
	v.SetDefault("port", base.Port)
	v.SetDefault("download-dir", base.DefaultDownloadDir)
	v.SetDefault("max-upload-rate", base.MaxUploadRate)
	v.SetDefault("max-download-rate", base.MaxDownloadRate)
	v.SetDefault("upload-slots", base.UploadSlots)
	v.SetDefault("enable-dht", base.EnableDHT)
	v.SetDefault("enable-pex", base.EnablePEX)
	v.SetDefault("enable-ipv6", base.EnableIPv6)
	v.SetDefault("metrics-enabled", base.MetricsEnabled)
	v.SetDefault("metrics-bind-addr", base.MetricsBindAddr)
	v.SetDefault("piece-download-strategy", int(base.PieceDownloadStrategy))
}

// decode rebuilds a Config from viper's merged view, keeping base's
// derived/non-overridable fields (ClientID, HasIPV6, the timing constants
// not exposed as settings) intact.
func decode(v *viper.Viper, base Config) (Config, error) {
	cfg := base

	cfg.MaxPeers = v.GetInt("max-peers")
	cfg.NumWant = uint32(v.GetInt("num-want"))
	cfg.Port = uint16(v.GetInt("port"))
	cfg.DefaultDownloadDir = v.GetString("download-dir")
	cfg.MaxUploadRate = v.GetInt64("max-upload-rate")
	cfg.MaxDownloadRate = v.GetInt64("max-download-rate")
	cfg.UploadSlots = v.GetInt("upload-slots")
	cfg.EnableDHT = v.GetBool("enable-dht")
	cfg.EnablePEX = v.GetBool("enable-pex")
	cfg.EnableIPv6 = v.GetBool("enable-ipv6")
	cfg.MetricsEnabled = v.GetBool("metrics-enabled")
	cfg.MetricsBindAddr = v.GetString("metrics-bind-addr")
	cfg.PieceDownloadStrategy = PieceDownloadStrategy(v.GetInt("piece-download-strategy"))

	if cfg.MaxPeers <= 0 {
		return Config{}, fmt.Errorf("max-peers must be > 0, got %d", cfg.MaxPeers)
	}
	if cfg.RateLimitRefresh < 50*time.Millisecond {
		cfg.RateLimitRefresh = 50 * time.Millisecond
	}

	return cfg, nil
}
