package main

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/listings/common/logging"
	"wuyrush.io/listings/common/metrics"
	mw "wuyrush.io/listings/common/middleware"
	cst "wuyrush.io/listings/constants"
	"wuyrush.io/listings/services"
	st "wuyrush.io/listings/stores"
	"wuyrush.io/listings/stores/session"
)

const mebibyte = 1 << 20

type config struct {
	DataDir          string
	UploadsDir       string
	StaticDir        string
	AdminKey         string
	SecretKey        string
	MaxFiles         int
	MaxTotalBytes    int64
	MaxFileBytes     int64
	MaxListings      int
	Host             string
	Port             string
	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitClients int
	// honor X-Forwarded-For when telling clients apart
	TrustProxy       bool
}

func loadConfig() config {
	return config{
		DataDir:          viper.GetString(cst.EnvDataDir),
		UploadsDir:       viper.GetString(cst.EnvUploadsDir),
		StaticDir:        viper.GetString(cst.EnvStaticDir),
		AdminKey:         viper.GetString(cst.EnvAdminKey),
		SecretKey:        viper.GetString(cst.EnvSecretKey),
		MaxFiles:         viper.GetInt(cst.EnvMaxFiles),
		MaxTotalBytes:    viper.GetInt64(cst.EnvMaxTotalMB) * mebibyte,
		MaxFileBytes:     viper.GetInt64(cst.EnvMaxFileMB) * mebibyte,
		MaxListings:      viper.GetInt(cst.EnvMaxListings),
		Host:             viper.GetString(cst.EnvAppHost),
		Port:             viper.GetString(cst.EnvAppPort),
		RateLimitRPS:     viper.GetFloat64(cst.EnvRateLimitRPS),
		RateLimitBurst:   viper.GetInt(cst.EnvRateLimitBurst),
		RateLimitClients: viper.GetInt(cst.EnvRateLimitKeys),
		TrustProxy:       viper.GetBool(cst.EnvTrustProxy),
	}
}

// a combination of web and application server since it serves both application logic and web page rendering
type listingsServer struct {
	Records st.RecordStore
	Photos  st.PhotoStore
	Gate    *session.Gate
	Feed    *services.Feed
	Admin   *services.Admin
	Metrics *metrics.Collector
	Router  *httprouter.Router

	cfg       config
	templates map[string]*template.Template
}

func (s *listingsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// validate rejects settings the server cannot run with
func (cfg config) validate() error {
	if !(cfg.RateLimitRPS > 0) {
		return fmt.Errorf("%s must be positive, got %v", cst.EnvRateLimitRPS, cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", cst.EnvRateLimitBurst, cfg.RateLimitBurst)
	}
	return nil
}

// clientKey tells clients apart for rate limiting
func (cfg config) clientKey() func(*http.Request) string {
	if cfg.TrustProxy {
		return mw.ForwardedClientIP
	}
	return mw.ClientIP
}

func newServer(cfg config) (*listingsServer, error) {
	clog := logging.WithFuncName()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rs, err := st.NewCSVRecordStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	ps, err := st.NewLocalPhotoStore(cfg.UploadsDir, cfg.MaxFileBytes)
	if err != nil {
		return nil, err
	}
	if cfg.SecretKey == cst.DefaultSecretKey {
		clog.Warnf("%s is unset; session cookies are signed with a well-known development secret", cst.EnvSecretKey)
	}
	if cfg.AdminKey == "" {
		clog.Warnf("%s is unset; the admin panel is disabled", cst.EnvAdminKey)
	}
	cs, cerr := session.NewCookieStore(cfg.SecretKey)
	if cerr != nil {
		return nil, fmt.Errorf("error deriving session cookie keys: %w", cerr)
	}
	tmpls, terr := parseTemplates()
	if terr != nil {
		return nil, terr
	}
	svr := &listingsServer{
		Records:   rs,
		Photos:    ps,
		Gate:      session.NewGate(cs, cfg.AdminKey),
		Feed:      &services.Feed{Records: rs, Photos: ps},
		Admin:     services.NewAdmin(rs, ps, services.Limits{MaxFiles: cfg.MaxFiles, MaxFileBytes: cfg.MaxFileBytes}),
		Metrics:   metrics.NewCollector(prometheus.NewRegistry()),
		cfg:       cfg,
		templates: tmpls,
	}
	svr.SetupMux()
	return svr, nil
}

func (s *listingsServer) Close() {
	if err := s.Records.Close(); err != nil {
		logging.WithFuncName().WithError(err).Error("error closing record store")
	}
	if err := s.Photos.Close(); err != nil {
		logging.WithFuncName().WithError(err).Error("error closing photo store")
	}
}

// start up application server and serve incoming requests until ctx is done
func serve(ctx context.Context, cfg config) error {
	svr, err := newServer(cfg)
	if err != nil {
		return err
	}
	defer svr.Close()

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	hs := &http.Server{
		Addr:              addr,
		Handler:           svr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.WithFields(log.Fields{
		"host": cfg.Host,
		"port": cfg.Port,
	}).Info("listings server is starting up")
	errc := make(chan error, 1)
	go func() {
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("listings server is shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
