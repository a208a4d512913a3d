package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	classicDeck    bool
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	// Game pacing policy. Kept on the config rather than inlined in the
	// engine so deployments (and tests) can tune round tempo.
	startDelay           time.Duration
	lockTimeout          time.Duration
	lockPollInterval     time.Duration
	revealDelay          time.Duration
	revealDelayPerPlayer time.Duration
	botDelayMin          time.Duration
	botDelayMax          time.Duration
	botHurryMin          time.Duration
	botHurryMax          time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.lockTimeout <= 0 {
		return fmt.Errorf("invalid lock timeout (must be positive): %s", c.lockTimeout)
	}
	if c.botDelayMin > c.botDelayMax || c.botHurryMin > c.botHurryMax {
		return errors.New("bot delay minimums must not exceed their maximums")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("LASURPRISE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "lasurprise",
		Short:         "A round-based card game of nerve and timing, served over websockets.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: LASURPRISE_BIND)")
	fs.BoolVar(&cfg.classicDeck, "classic-deck", false, "use a 52-card deck without the rank-15 card (env: LASURPRISE_CLASSIC_DECK)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: LASURPRISE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: LASURPRISE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: LASURPRISE_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are evicted (env: LASURPRISE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: LASURPRISE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: LASURPRISE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: LASURPRISE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: LASURPRISE_VERSION)")

	fs.DurationVar(&cfg.startDelay, "start-delay", 200*time.Millisecond, "pause between the start command and the first deal (env: LASURPRISE_START_DELAY)")
	fs.DurationVar(&cfg.lockTimeout, "lock-timeout", 10*time.Second, "countdown before unlocked players are auto-locked (env: LASURPRISE_LOCK_TIMEOUT)")
	fs.DurationVar(&cfg.lockPollInterval, "lock-poll-interval", 500*time.Millisecond, "polling interval for the lock countdown (env: LASURPRISE_LOCK_POLL_INTERVAL)")
	fs.DurationVar(&cfg.revealDelay, "reveal-delay", 1800*time.Millisecond, "base pacing delay before reveal results are applied (env: LASURPRISE_REVEAL_DELAY)")
	fs.DurationVar(&cfg.revealDelayPerPlayer, "reveal-delay-per-player", 550*time.Millisecond, "additional reveal pacing per seated player (env: LASURPRISE_REVEAL_DELAY_PER_PLAYER)")
	fs.DurationVar(&cfg.botDelayMin, "bot-delay-min", 700*time.Millisecond, "minimum bot think time (env: LASURPRISE_BOT_DELAY_MIN)")
	fs.DurationVar(&cfg.botDelayMax, "bot-delay-max", 2*time.Second, "maximum bot think time (env: LASURPRISE_BOT_DELAY_MAX)")
	fs.DurationVar(&cfg.botHurryMin, "bot-hurry-min", 150*time.Millisecond, "minimum bot think time once a human has locked (env: LASURPRISE_BOT_HURRY_MIN)")
	fs.DurationVar(&cfg.botHurryMax, "bot-hurry-max", 700*time.Millisecond, "maximum bot think time once a human has locked (env: LASURPRISE_BOT_HURRY_MAX)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("lasurprise v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
