package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hed1ad/anomalytune/internal/config"
	"github.com/hed1ad/anomalytune/internal/logging"
	"github.com/hed1ad/anomalytune/pkg/detectors/catalog"
	anomio "github.com/hed1ad/anomalytune/pkg/io"
	"github.com/hed1ad/anomalytune/pkg/io/csv"
	"github.com/hed1ad/anomalytune/pkg/io/pcap"
)

// app carries state shared by the subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "anomalytune",
		Short: "Fit and apply k-nearest-neighbor anomaly detectors",
		Long: `anomalytune fits anomaly detectors (KLPE, isolation forest, kernel
smoothing) on CSV or pcap data and scores samples against them.

Settings come from flags, ANOMALYTUNE_* environment variables and an
optional YAML config file, in that order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "YAML config file")
	flags.String("estimator", "", fmt.Sprintf("estimator name %v", catalog.Names()))
	flags.Int("k", 0, "number of nearest neighbors")
	flags.String("algo", "", "KLPE aggregation: average or max")
	flags.Bool("novelty", false, "score unseen data against the training set")
	flags.Float64("contamination", 0, "expected proportion of anomalies")
	flags.Int("workers", 0, "goroutines for the neighbor search")
	flags.Int64("seed", 0, "isolation forest seed")
	flags.String("input-format", "", "input format: csv or pcap")
	flags.Bool("header", true, "CSV input has a header row")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: console or json")

	bindFlags(a.v, flags, map[string]string{
		"estimator":     "estimator.name",
		"k":             "estimator.k",
		"algo":          "estimator.algo",
		"novelty":       "estimator.novelty",
		"contamination": "estimator.contamination",
		"workers":       "estimator.workers",
		"seed":          "estimator.seed",
		"input-format":  "input.format",
		"header":        "input.header",
		"log-level":     "log.level",
		"log-format":    "log.format",
	})

	rootCmd.AddCommand(newFitCmd(a))
	rootCmd.AddCommand(newScoreCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// bindFlags binds each flag to its config key. Unset flags fall through to
// the environment, the config file and the defaults.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	if a.v.ConfigFileUsed() == "" {
		a.logger.Debug("No config file given, using defaults, env vars and flags")
	}
	return nil
}

// openReader opens path according to the configured input format.
func (a *app) openReader(path string) (anomio.Reader, error) {
	switch a.cfg.Input.Format {
	case "pcap":
		return pcap.NewFileReader(path)
	default:
		return csv.NewReader(path,
			csv.WithHeader(a.cfg.Input.Header),
			csv.WithSkipMalformed(a.cfg.Input.SkipMalformed),
		)
	}
}

// readData loads the full dataset at path.
func (a *app) readData(path string) ([][]float64, error) {
	r, err := a.openReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	a.logger.Debugw("Dataset loaded", "path", path, "samples", len(data), "format", a.cfg.Input.Format)
	return data, nil
}

type thresholder interface {
	Threshold() float64
}

// threshold returns the estimator's decision threshold. Estimators without
// a stored threshold split at zero.
func threshold(est any) float64 {
	if t, ok := est.(thresholder); ok {
		return t.Threshold()
	}
	return 0
}
