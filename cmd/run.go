package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoapi"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/evoauth"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/fridge"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/handlers"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/logging"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/notifier"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/stream"
	"github.com/smarthome-bridges/haier-evo/internal/pkg/transport"
	"github.com/smarthome-bridges/haier-evo/pkg/middlewares"
)

var _runCmdOpts struct {
	email           string
	password        string
	tokenFile       string
	httpPort        uint16
	gracefulTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	corsOrigins     []string
	logRequests     bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRun(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("evo.email", "evo.password", "evo.token-file")
	},
}

func init() {
	runCmd.Flags().StringVar(&_runCmdOpts.email, "email", "", "Evo account email")
	runCmd.Flags().StringVar(&_runCmdOpts.password, "password", "", "Evo account password")
	runCmd.Flags().StringVar(&_runCmdOpts.tokenFile, "token-file", "", "File to persist session tokens")
	runCmd.Flags().Uint16Var(&_runCmdOpts.httpPort, "http-port", 8321, "local HTTP port number")
	runCmd.Flags().DurationVar(&_runCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	runCmd.Flags().StringSliceVar(&_runCmdOpts.corsOrigins, "cors-origins", nil, "origins allowed to call the local API cross-site")
	runCmd.Flags().BoolVar(&_runCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("evo.email", runCmd.Flags().Lookup("email")))
	errPanic(viper.GetViper().BindPFlag("evo.password", runCmd.Flags().Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("evo.token-file", runCmd.Flags().Lookup("token-file")))
	errPanic(viper.GetViper().BindPFlag("http.port", runCmd.Flags().Lookup("http-port")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", runCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", runCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", runCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.cors-origins", runCmd.Flags().Lookup("cors-origins")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", runCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(runCmd)
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func doRun() error {
	email := viper.GetString("evo.email")
	password := viper.GetString("evo.password")
	tokenFile := viper.GetString("evo.token-file")
	port := viper.GetUint("http.port")
	wait := viper.GetDuration("http.graceful-timeout")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	ctx := context.Background()

	client := transport.New()
	auth := evoauth.NewManager(client, evoauth.NewFileStore(tokenFile), email, password)
	auth.LoadBundle()

	api := evoapi.NewLiveClient(client, auth)

	// the device catalog; fatal if it cannot be fetched
	discovered, err := api.Discover(ctx)
	if err != nil {
		return err
	}
	if len(discovered) == 0 {
		return fmt.Errorf("no devices found for account %s", email)
	}

	hub := notifier.NewHub(10)
	hub.Subscribe(func(mac string) {
		logging.Logger(nil).Debugf("state changed for device %s", mac)
	})

	registry := fridge.NewRegistry()
	conn := stream.New(auth, registry.HandleFrame)

	for _, d := range discovered {
		dev := fridge.NewDevice(d.MAC, d.Serial, d.Title, conn).WithNotify(hub.Notify)
		registry.Add(dev)

		status, err := api.Status(ctx, d.MAC)
		if err != nil {
			logging.Logger(nil).WithError(err).Errorf("fetching initial status for %s", d.MAC)
			continue
		}
		dev.ApplySnapshot(status)
	}

	// one shared connection serves every device
	go func() {
		if err := conn.Connect(ctx); err != nil {
			logging.Logger(nil).WithError(err).Error("running stream connection")
		}
	}()

	dh := handlers.NewDevicesHandler(registry)

	r := mux.NewRouter()
	if origins := viper.GetStringSlice("http.cors-origins"); len(origins) > 0 {
		r.Use(middlewares.NewCorsMw(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPut},
		}))
	}
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	dh.Register(r)

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c
	logging.Logger(nil).Info("shutting down")

	// Stop the stream first so the close is not undone by a reconnect
	conn.Disconnect()
	hub.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}
