package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/syncstore"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// shutdownTimeout bounds the graceful shutdown of the HTTP server
const shutdownTimeout = 10 * time.Second

// NewRPCServer creates a new API server for config.
//
// Usage:
//
//	s := server.NewRPCServer(config)
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(config common.ServerConfig) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created API Server")
	Logger.Infof(config.String())

	return &RPCServer{config: config}
}

// RPCServer owns the backend, the store and the HTTP server of a dsync node.
type RPCServer struct {
	config  common.ServerConfig
	backend *backend
	store   *syncstore.Store
	api     *API
}

// init opens the backend, starts the store and seeds it
func (s *RPCServer) init(ctx context.Context) error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}
	if err := s.config.Validate(); err != nil {
		return err
	}

	b, err := openBackend(ctx, s.config)
	if err != nil {
		return err
	}
	s.backend = b

	s.store = syncstore.New(b.adapter, syncstore.Options{
		Collections: s.config.Collections,
		Timeout:     time.Duration(s.config.TimeoutSecond) * time.Second,
	})
	if err := s.store.Start(ctx); err != nil {
		s.close()
		return fmt.Errorf("failed to start store: %w", err)
	}

	if s.config.SeedFile != "" {
		seed, err := ReadSeedFile(s.config.SeedFile)
		if err != nil {
			s.close()
			return err
		}
		if err := s.store.SeedIfEmpty(ctx, seed); err != nil {
			s.close()
			return fmt.Errorf("failed to seed store: %w", err)
		}
	}

	s.api = NewAPI(s.store, APIOptions{
		Serializer: s.config.Serializer,
		Debug:      s.config.LogLevel == "debug",
	})
	Logger.Infof("dsync setup completed successfully (backend %s, state %s)", s.config.Backend, s.store.State())
	return nil
}

// Serve initializes the node and serves the API until ctx is done or SIGINT/SIGTERM is received.
func (s *RPCServer) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.init(ctx); err != nil {
		return err
	}
	defer s.close()

	srv := &http.Server{
		Addr:              s.config.Endpoint,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		Logger.Infof("Starting HTTP server on %s", s.config.Endpoint)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		Logger.Infof("shutting down")
	}

	// watch streams are hijacked connections, Shutdown does not wait for them
	s.api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *RPCServer) close() {
	if s.api != nil {
		s.api.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			Logger.Warningf("failed to close store: %v", err)
		}
	}
	if s.backend != nil {
		s.backend.close()
	}
}

// ReadSeedFile reads initial documents from a JSON file of the form {"collection": [documents]}.
func ReadSeedFile(path string) (map[string][]model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed map[string][]model.Document
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("invalid seed file %s: %w", path, err)
	}
	return seed, nil
}
