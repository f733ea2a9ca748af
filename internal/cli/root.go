package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
)

var version = "0.1.0"

// EnvPrefix prefixes every environment variable read through viper.
const EnvPrefix = "GROCERY_LOAD"

// ErrRunFailed is returned when a run completes but a threshold failed.
var ErrRunFailed = errors.New("load test failed")

// app carries state shared by the commands of one invocation.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: newViper(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:     "grocery-load",
		Short:   "Load testing for the Grocery Inventory API",
		Version: version,
		Long: `grocery-load drives virtual users against the Grocery Inventory API:
a manager registers and logs in once, then every user lists and creates
products, pages through listings, records sales and reads its profile.

Thresholds on latency, failures and checks decide whether the run passes.
The exit code is 1 when any threshold fails or the run errors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}
			logger, err := newLogger(a.v.GetBool("verbose"), a.v.GetString("log-level"), cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("history-db", "", "Run history database (default ~/.grocery-load/history.db)")

	root.AddCommand(
		newRunCmd(a),
		newValidateCmd(a),
		newScenariosCmd(a),
		newHistoryCmd(a),
		newMockCmd(a),
	)
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// BASE_URL is honoured without the prefix as well.
	_ = v.BindEnv("base-url", EnvPrefix+"_BASE_URL", config.EnvBaseURL)
	return v
}

// newLogger builds a production JSON logger, or a development console
// logger at debug level when verbose is set.
func newLogger(verbose bool, level string, w io.Writer) (*zap.Logger, error) {
	if verbose {
		enc := zap.NewDevelopmentEncoderConfig()
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
		return zap.New(core), nil
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// Execute runs the root command and reports errors on stderr.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, ErrRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}
