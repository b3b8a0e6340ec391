package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Config     string `short:"c" long:"config" description:"Config file path or URL"`
	Foreground bool   `long:"foreground" description:"Run in the foreground instead of daemonizing"`
	LogFile    string `long:"log-file" description:"Append log output to this file"`
	EnableHTTP bool   `long:"enable-http" description:"Enable the HTTP transport regardless of config"`
	HTTPHost   string `long:"http-host" description:"Override the HTTP bind host"`
	HTTPPort   int    `long:"http-port" description:"Override the HTTP bind port"`

	Args struct {
		Command string `positional-arg-name:"command" description:"start | stop | status | servers"`
	} `positional-args:"yes"`
}

func main() {
	options := &Options{}
	if _, err := flags.ParseArgs(options, os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if options.Config == "" {
		options.Config = defaultConfigPath()
	}

	var err error
	switch options.Args.Command {
	case "", "start":
		if options.Foreground {
			err = startHub(options)
		} else {
			err = daemonize(options)
		}
	case "stop":
		err = stopDaemon()
	case "status":
		err = printStatus()
	case "servers":
		err = listBackends(options.Config)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected start, stop, status, or servers)\n", options.Args.Command)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpherd: %v\n", err)
		os.Exit(1)
	}
}

// daemonize re-execs the binary detached with --foreground. The child
// acquires the PID file itself.
func daemonize(options *Options) error {
	if pid, err := readPID(); err == nil && pidAlive(pid) {
		return fmt.Errorf("%w (pid %d)", errAlreadyRunning, pid)
	}

	binary, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"start", "--foreground", "--config", options.Config}
	if options.LogFile != "" {
		args = append(args, "--log-file", options.LogFile)
	}
	if options.EnableHTTP {
		args = append(args, "--enable-http")
	}
	if options.HTTPHost != "" {
		args = append(args, "--http-host", options.HTTPHost)
	}
	if options.HTTPPort != 0 {
		args = append(args, "--http-port", fmt.Sprintf("%d", options.HTTPPort))
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	fmt.Printf("mcpherd started (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func startHub(options *Options) error {
	if err := acquirePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	if options.LogFile != "" {
		file, err := os.OpenFile(options.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer file.Close()
		log.SetOutput(file)
	}

	config, err := loadConfig(options.Config)
	if err != nil {
		return err
	}
	socketPath := config.socketPath()

	httpEnabled := config.HTTP.enabled() || options.EnableHTTP
	httpAddr := config.HTTP.addr()
	if options.HTTPHost != "" || options.HTTPPort != 0 {
		host := options.HTTPHost
		if host == "" {
			host = defaultHTTPHost
		}
		port := options.HTTPPort
		if port == 0 {
			port = defaultHTTPPort
		}
		httpAddr = fmt.Sprintf("%s:%d", host, port)
	}

	sup := NewSupervisor(config.requestTimeout())
	router := NewRouter(sup)
	engine := newSessionEngine(router, config.HTTP.idleTimeout())
	sup.onDisabled = engine.NotifyBackendDown

	log.Printf("<hub> starting %d backends", len(config.Backends))
	sup.StartAll(config.Backends)
	for _, name := range sup.Names() {
		log.Printf("<hub> backend ready: %s", name)
	}
	setBackendsUp(sup.Count())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)

	local := newLocalServer(socketPath, router)
	eg.Go(func() error {
		return local.Serve(ctx)
	})

	if httpEnabled {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: newHTTPHandler(engine, router),
		}
		eg.Go(func() error {
			log.Printf("<http> listening on %s", httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		engine.ReapLoop(ctx.Done())
		return nil
	})

	eg.Go(func() error {
		ticker := time.NewTicker(healthTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				sup.HealthTick()
				if err := writeStatusFile(sup.Count(), sup.Uptime(), socketPath); err != nil {
					log.Printf("<hub> failed to write status: %v", err)
				}
			}
		}
	})

	if err := writeStatusFile(sup.Count(), sup.Uptime(), socketPath); err != nil {
		log.Printf("<hub> failed to write status: %v", err)
	}
	log.Printf("<hub> ready on %s", socketPath)

	runErr := eg.Wait()

	log.Printf("<hub> shutting down")
	sup.StopAll()
	_ = os.Remove(socketPath)
	if err := writeStatusFile(0, sup.Uptime(), socketPath); err != nil {
		log.Printf("<hub> failed to write status: %v", err)
	}
	log.Printf("<hub> stopped")
	return runErr
}

func stopDaemon() error {
	pid, err := readPID()
	if err != nil {
		return errors.New("not running (no PID file)")
	}
	if !pidAlive(pid) {
		removePIDFile()
		return errors.New("not running (stale PID file removed)")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	fmt.Printf("mcpherd stopping (pid %d)\n", pid)
	return nil
}

func printStatus() error {
	pid, err := readPID()
	if err != nil || !pidAlive(pid) {
		fmt.Println("mcpherd is not running")
		return nil
	}
	status, err := readStatusFile()
	if err != nil {
		fmt.Printf("mcpherd is running (pid %d)\n", pid)
		return nil
	}
	fmt.Printf("mcpherd is running (pid %d)\n", status.PID)
	fmt.Printf("  backends:  %d\n", status.ServerCount)
	fmt.Printf("  uptime:    %ds\n", status.UptimeSeconds)
	fmt.Printf("  socket:    %s\n", status.SocketPath)
	fmt.Printf("  timestamp: %s\n", status.Timestamp)
	return nil
}

func listBackends(configPath string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(config.Backends))
	for name := range config.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		backend := config.Backends[name]
		fmt.Printf("%s - %s %v\n", name, backend.Command, backend.Args)
	}
	return nil
}
