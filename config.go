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
	bind             string
	deck             string
	port             int
	prefix           string
	profile          bool
	questionBank     string
	questionDB       string
	questionsPerTeam int
	sessionTimeout   time.Duration
	tlsCert          string
	tlsKey           string
	turnTimeout      time.Duration
	verbose          bool
	version          bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.questionsPerTeam < 1 {
		return fmt.Errorf("invalid questions-per-team (must be at least 1): %d", c.questionsPerTeam)
	}
	if c.turnTimeout <= 0 {
		return fmt.Errorf("invalid turn-timeout (must be positive): %s", c.turnTimeout)
	}
	if c.sessionTimeout <= 0 {
		return fmt.Errorf("invalid session-timeout (must be positive): %s", c.sessionTimeout)
	}
	if c.questionBank != "" && c.questionDB != "" {
		return errors.New("--question-bank and --question-db are mutually exclusive")
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
	v.SetEnvPrefix("QUIZRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizrelay",
		Short:         "A real-time team-relay quiz server, where teammates take turns racing through a shared question deck.",
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

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZRELAY_BIND)")
	fs.StringVar(&cfg.deck, "deck", "general", "question deck served to new games (env: QUIZRELAY_DECK)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: QUIZRELAY_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: QUIZRELAY_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: QUIZRELAY_PROFILE)")
	fs.StringVar(&cfg.questionBank, "question-bank", "", "base URL of an external question bank service (env: QUIZRELAY_QUESTION_BANK)")
	fs.StringVar(&cfg.questionDB, "question-db", "", "path to a sqlite question bank (env: QUIZRELAY_QUESTION_DB)")
	fs.IntVar(&cfg.questionsPerTeam, "questions-per-team", 5, "questions each team must answer to finish (env: QUIZRELAY_QUESTIONS_PER_TEAM)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 30*time.Minute, "time before idle game sessions are reaped (env: QUIZRELAY_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: QUIZRELAY_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: QUIZRELAY_TLS_KEY)")
	fs.DurationVar(&cfg.turnTimeout, "turn-timeout", 30*time.Second, "time an active player has to answer before their turn rotates (env: QUIZRELAY_TURN_TIMEOUT)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: QUIZRELAY_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: QUIZRELAY_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizrelay v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
