package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/purchase"
	"github.com/furkansenharputlu/f-license-validator/storage"
)

const Version = "0.2"

const shutdownTimeout = 10 * time.Second

func intro() {
	logrus.Info("f-license sandbox ", Version)
	logrus.Info("Copyright Furkan Şenharputlu 2024")
	logrus.Info("https://f-license.com")
}

func configPath() string {
	if p := os.Getenv("FLICENSE_CONFIG"); p != "" {
		return p
	}

	return "config.json"
}

func main() {
	intro()

	if err := config.Global.Load(configPath()); err != nil {
		logrus.WithError(err).Fatal("Couldn't load configuration")
	}

	if level, err := logrus.ParseLevel(config.Global.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("Sandbox server stopped")
	}
}

func run(ctx context.Context) error {
	var err error

	keys, err = LoadKeyManager(config.Global.Sandbox)
	if err != nil {
		return err
	}
	logrus.WithField("key_id", keys.ID()).Info("Signing key loaded")

	store, err = storage.Connect(ctx, config.Global)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close(context.Background())
	}()

	hub = NewHub()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Global.Port),
		Handler: GenerateRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		logrus.Infof("Listening on %s", srv.Addr)

		var err error
		if opts := config.Global.ServerOptions; opts.EnableTLS {
			srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			srv.TLSNextProto = make(map[string]func(*http.Server, *tls.Conn, http.Handler))
			err = srv.ListenAndServeTLS(opts.CertFile, opts.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		logrus.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func GenerateRouter() *mux.Router {
	r := mux.NewRouter()
	// Endpoints called by the sandbox operator
	adminRouter := r.PathPrefix("/admin").Subrouter()
	adminRouter.Use(AuthenticationMiddleware)
	adminRouter.HandleFunc("/payments", GetAllPayments).Methods(http.MethodGet)
	adminRouter.HandleFunc("/payments/{id}", GetPayment).Methods(http.MethodGet)
	adminRouter.HandleFunc("/payments/{id}/confirm", ResolvePayment).Methods(http.MethodPut)
	adminRouter.HandleFunc("/payments/{id}/reject", ResolvePayment).Methods(http.MethodPut)
	adminRouter.HandleFunc("/payments/{id}/cancel", ResolvePayment).Methods(http.MethodPut)
	adminRouter.HandleFunc("/grants", GetAllGrants).Methods(http.MethodGet)
	adminRouter.HandleFunc("/grants/{id}", DeleteGrant).Methods(http.MethodDelete)

	// Endpoints called by the purchase library
	r.HandleFunc("/v1/license/{id}/pay/", PayLicense).Methods(http.MethodPost)
	r.HandleFunc("/v1/license/verify/", VerifyLicense).Methods(http.MethodPost)
	r.HandleFunc(purchase.DefaultPushPath, func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r)
	}).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/signature", GetSignatureKey).Methods(http.MethodGet)

	r.HandleFunc("/ping", Ping).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(sandboxMetrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}
