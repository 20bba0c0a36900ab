package engine

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-appwatch/pkg/config"
	"github.com/core-tools/hsu-appwatch/pkg/logging"
)

// Run builds the engine from cfg and runs it until an interrupt signal
// arrives or runDuration seconds elapse (0 runs until signalled)
func Run(runDuration int, cfg *config.Config, logger logging.Logger) error {
	logger.Infof("AppWatch runner starting...")
	logger.Infof("Platform: OS=%s, Arch=%s, CPUs=%d, Go=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())

	engine, err := New(cfg, logger, Dependencies{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	operationCtx := ctx
	if runDuration > 0 {
		logger.Infof("Using RUN DURATION of %d seconds", runDuration)
		var cancelTimeout context.CancelFunc
		operationCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(runDuration)*time.Second)
		defer cancelTimeout()
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Monitoring %s, press Ctrl+C to stop", cfg.Monitor.ProcessName)

	select {
	case receivedSignal := <-sig:
		logger.Infof("Runner received signal: %v", receivedSignal)
	case <-operationCtx.Done():
		logger.Infof("Runner run duration elapsed")
	case err := <-done:
		return err
	}

	cancel()
	err = <-done
	logger.Infof("AppWatch runner stopped")
	return err
}
