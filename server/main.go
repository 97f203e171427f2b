package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"wuyrush.io/listings/common/logging"
	cst "wuyrush.io/listings/constants"
	st "wuyrush.io/listings/stores"
)

const serviceName = "ListingsServer"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "listings",
		Short:         "Classified listings board",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv()
		},
	}
	root.PersistentFlags().String("env-file", "", "dotenv file to load before reading the environment")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentFlags().String("data-dir", "", "directory holding the listings file")
	mustBind(viper.BindPFlag(cst.EnvDotEnv, root.PersistentFlags().Lookup("env-file")))
	mustBind(viper.BindPFlag(cst.EnvVerbose, root.PersistentFlags().Lookup("verbose")))
	mustBind(viper.BindPFlag(cst.EnvDataDir, root.PersistentFlags().Lookup("data-dir")))

	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the listings board over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, loadConfig()); err != nil {
				logging.WithFuncName().WithError(err).Error("listings server stopped with error")
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "interface to listen on")
	cmd.Flags().String("port", "", "port to listen on")
	cmd.Flags().String("uploads-dir", "", "directory holding listing photos")
	cmd.Flags().String("static-dir", "", "directory holding static assets")
	cmd.Flags().Bool("trust-proxy", false, "rate limit clients by the X-Forwarded-For header set by a reverse proxy")
	mustBind(viper.BindPFlag(cst.EnvAppHost, cmd.Flags().Lookup("host")))
	mustBind(viper.BindPFlag(cst.EnvAppPort, cmd.Flags().Lookup("port")))
	mustBind(viper.BindPFlag(cst.EnvUploadsDir, cmd.Flags().Lookup("uploads-dir")))
	mustBind(viper.BindPFlag(cst.EnvStaticDir, cmd.Flags().Lookup("static-dir")))
	mustBind(viper.BindPFlag(cst.EnvTrustProxy, cmd.Flags().Lookup("trust-proxy")))
	return cmd
}

// the header migration otherwise runs lazily on the first listing created
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the listings file header up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := st.NewCSVRecordStore(viper.GetString(cst.EnvDataDir))
			if err != nil {
				return err
			}
			defer rs.Close()
			if err := rs.Migrate(); err != nil {
				logging.WithFuncName().WithError(err).Error(err.Trace())
				return err
			}
			log.WithField("path", rs.Path()).Info("listings file is up to date")
			return nil
		},
	}
}

// loadEnv reads configuration from the environment, optionally seeded by a dotenv file, and sets up logging
func loadEnv() error {
	viper.AutomaticEnv()
	setDefaults()
	// variables already in the environment win over the dotenv file
	if path := viper.GetString(cst.EnvDotEnv); path != "" {
		if err := godotenv.Load(path); err != nil {
			return err
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	logging.SetupLog(serviceName, viper.GetBool(cst.EnvVerbose))
	return nil
}

func setDefaults() {
	viper.SetDefault(cst.EnvDataDir, "data")
	viper.SetDefault(cst.EnvUploadsDir, "uploads")
	viper.SetDefault(cst.EnvStaticDir, "static")
	viper.SetDefault(cst.EnvSecretKey, cst.DefaultSecretKey)
	viper.SetDefault(cst.EnvAppHost, "")
	viper.SetDefault(cst.EnvAppPort, "10000")
	viper.SetDefault(cst.EnvMaxFiles, 5)
	viper.SetDefault(cst.EnvMaxTotalMB, 25)
	viper.SetDefault(cst.EnvMaxFileMB, 10)
	viper.SetDefault(cst.EnvMaxListings, 200)
	viper.SetDefault(cst.EnvRateLimitRPS, 1.0)
	viper.SetDefault(cst.EnvRateLimitBurst, 5)
	viper.SetDefault(cst.EnvRateLimitKeys, 1024)
	viper.SetDefault(cst.EnvTrustProxy, false)
}

// mustBind panics on flags missing from their command, which is a programming error
func mustBind(err error) {
	if err != nil {
		panic(err)
	}
}
