// Command procrun runs a program through the procwrap process API. It feeds
// its own stdin to the child, relays the child's captured stderr and exits
// with the child's exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/procwrap/internal/config"
	"github.com/spin-stack/procwrap/internal/iobuf"
	"github.com/spin-stack/procwrap/internal/process"
	"github.com/spin-stack/procwrap/internal/version"
)

const (
	pollInterval = 50 * time.Millisecond
	drainTimeout = time.Second
)

func main() {
	var (
		configFile  string
		cmdline     string
		debug       bool
		showVersion bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.StringVar(&cmdline, "c", "", "Command line to run, split on whitespace")
	flag.BoolVar(&debug, "debug", false, "Debug log level")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] -- program [args...]\n       %s [flags] -c \"command line\"\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println("procrun", version.Info())
		return
	}

	if (cmdline == "") == (flag.NArg() == 0) {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.L.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.L.WithError(err).Fatal("failed to apply logging configuration")
	}
	if debug {
		_ = log.SetLevel("debug")
	}

	ctx := context.Background()
	opts := []process.StartOpt{process.WithKillTimeout(cfg.Process.GetKillTimeout())}

	var p *process.Process
	if cmdline != "" {
		p, err = process.NewFromCommandLine(ctx, cmdline, opts...)
	} else {
		p, err = process.New(ctx, flag.Arg(0), flag.Args()[1:], opts...)
	}
	if err != nil {
		log.G(ctx).WithError(err).Error("failed to start process")
		os.Exit(1)
	}

	os.Exit(run(ctx, p))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Get()
}

func run(ctx context.Context, p *process.Process) int {
	defer func() {
		if err := p.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to close process")
		}
	}()

	log.G(ctx).WithField("pid", p.Pid()).WithField("program", p.Program()).Debug("started process")

	go pumpStdin(ctx, p, os.Stdin)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	type result struct {
		code int
		err  error
	}
	exited := make(chan result, 1)
	go func() {
		code, err := p.Wait()
		exited <- result{code, err}
	}()

	buf := iobuf.Get()
	defer iobuf.Put(buf)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			relayStderr(p, *buf)
		case sig := <-sigs:
			log.G(ctx).WithField("signal", sig).Info("received signal, killing process")
			if err := p.Close(); err != nil {
				log.G(ctx).WithError(err).Warn("failed to kill process")
			}
		case res := <-exited:
			select {
			case <-p.Drained():
			case <-time.After(drainTimeout):
				log.G(ctx).Debug("stderr still open after exit")
			}
			relayStderr(p, *buf)

			if res.err != nil {
				log.G(ctx).WithError(res.err).Error("failed to wait for process")
				return 1
			}
			if res.code < 0 {
				return 1
			}
			return res.code
		}
	}
}

// relayStderr copies everything buffered so far to our stderr.
func relayStderr(p *process.Process, buf []byte) {
	for {
		n := p.ReadStderr(buf)
		if n == 0 {
			return
		}
		_, _ = os.Stderr.Write(buf[:n])
	}
}

type stdinWriter struct {
	p *process.Process
}

func (w stdinWriter) Write(b []byte) (int, error) {
	return w.p.WriteStdin(b)
}

func pumpStdin(ctx context.Context, p *process.Process, r io.Reader) {
	buf := iobuf.Get()
	defer iobuf.Put(buf)

	if _, err := io.CopyBuffer(stdinWriter{p}, r, *buf); err != nil {
		log.G(ctx).WithError(err).Debug("stopped forwarding stdin")
	}
	if err := p.CloseStdin(); err != nil {
		log.G(ctx).WithError(err).Debug("failed to close stdin")
	}
}
