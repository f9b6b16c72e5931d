package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ratchet/pkg/js"
	"ratchet/pkg/logger"
	"ratchet/pkg/taskerr"
	"ratchet/pkg/worker"
)

// The worker binary speaks the IPC protocol on stdin/stdout. Anything a
// human should read goes to stderr.
func main() {
	workerID := flag.String("worker-id", "", "identity assigned by the coordinator")
	httpTimeout := flag.Duration("http-timeout", 30*time.Second, "per-request timeout for task fetch calls")
	logLevel := flag.String("log-level", "info", "log level for stderr diagnostics")
	flag.Parse()

	if *workerID == "" {
		fmt.Fprintln(os.Stderr, "worker: --worker-id is required")
		os.Exit(taskerr.ExitUsage)
	}

	if _, err := logger.Init(logger.Config{
		Level:      *logLevel,
		Encoding:   "json",
		OutputPath: "stderr",
		Component:  "worker",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "worker: failed to initialise logging: %v\n", err)
		os.Exit(taskerr.ExitInternal)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	w := worker.New(*workerID, js.NewStdHTTPClient(*httpTimeout))
	if err := w.Run(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(taskerr.ExitCode(err))
	}
}
