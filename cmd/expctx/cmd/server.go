package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/expctx/expctx/pkg/logging"
	"github.com/expctx/expctx/pkg/store"
	"github.com/expctx/expctx/pkg/track/server"
)

var (
	serverAddr    string
	serverDataDir string
	serverDBPath  string
	serverMemory  bool
	serverLogJSON bool
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the tracking server",
	Long:  `Start the local experiment tracking server. Runs, metrics and artifacts are indexed in SQLite; file payloads live under the data directory.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverAddr, "addr", ":8080", "listen address")
	serverCmd.Flags().StringVar(&serverDataDir, "data-dir", "./expctx-data", "directory for file payloads")
	serverCmd.Flags().StringVar(&serverDBPath, "db", "", "SQLite database path (default <data-dir>/expctx.db)")
	serverCmd.Flags().BoolVar(&serverMemory, "memory", false, "use the in-memory store instead of SQLite")
	serverCmd.Flags().BoolVar(&serverLogJSON, "log-json", false, "emit logs as JSON")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.INFO, serverLogJSON)

	if err := os.MkdirAll(serverDataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var s store.Store
	if serverMemory {
		s = store.NewMemoryStore()
	} else {
		dbPath := serverDBPath
		if dbPath == "" {
			dbPath = serverDataDir + "/expctx.db"
		}
		sqliteStore, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		s = sqliteStore
	}
	defer s.Close()

	srv := server.New(serverAddr, s, serverDataDir, logger)
	if apiKey != "" {
		srv.Handler().SetAPIKey(apiKey)
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("tracking server listening", map[string]interface{}{"addr": serverAddr})
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
