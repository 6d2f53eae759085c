package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/qdb/qdb_sdk_go/internal/devseed"
	"github.com/qdb/qdb_sdk_go/internal/sandbox"
	"github.com/qdb/qdb_sdk_go/pkg/qdb"
	"github.com/qdb/qdb_sdk_go/pkg/qdb/mock"
)

func main() {
	addr := flag.String("addr", ":20000", "listen address")
	seed := flag.String("seed", "", "path to JSON entity seed")
	latency := flag.Duration("latency", 0, "artificial latency to inject per request")
	fail := flag.String("fail", "", "failure injection (rate=<float>,code=<httpStatus>)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	lvl, err := log.ParseLevel(*level)
	if err != nil {
		log.Fatalf("parse log level: %v", err)
	}
	logger := log.New()
	logger.SetLevel(lvl)

	db := mock.New()
	if *seed != "" {
		entries, err := devseed.LoadEntitySeed(*seed)
		if err != nil {
			logger.Fatalf("load seed: %v", err)
		}
		if err := db.Seed(entries); err != nil {
			logger.Fatalf("apply seed: %v", err)
		}
		logger.WithField("entities", len(entries)).Info("seed loaded")
	}

	failCfg, err := sandbox.ParseFailConfig(*fail)
	if err != nil {
		logger.Fatalf("parse fail flag: %v", err)
	}

	e := sandbox.New(db, sandbox.Options{Latency: *latency, Fail: failCfg, Logger: logger})

	logger.Infof("qdb-sandbox listening on %s", *addr)
	fmt.Println()
	fmt.Printf("export %s=%s\n", qdb.EnvRuntimeMode, qdb.ModeHTTP)
	host := *addr
	if strings.HasPrefix(host, ":") {
		host = "localhost" + host
	}
	fmt.Printf("export %s=http://%s\n", qdb.EnvURL, host)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := e.Start(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
