package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/espz/deploy"
	"github.com/guseggert/espz/device"
	"github.com/guseggert/espz/gateway"
	"github.com/guseggert/espz/transport"
	"github.com/julienschmidt/httprouter"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "address",
		Aliases: []string{"a"},
		Usage:   "Serial device path, host[:port] (default espruino.local:23) or ws:// bridge URL.",
		EnvVars: []string{"ESPZ_ADDRESS"},
	},
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Config file to use instead of the nearest espz.yaml.",
	},
	&cli.IntFlag{
		Name:  "baud",
		Usage: "Serial baud rate.",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for each expression's result.",
	},
	&cli.StringFlag{
		Name:    "gateway",
		Usage:   "URL of a running espz gateway to go through instead of opening the console.",
		EnvVars: []string{"ESPZ_GATEWAY"},
	},
	&cli.StringFlag{
		Name:  "tls-dir",
		Usage: `Directory with the files written by "espz certs", for mTLS with gateways and bridges.`,
	},
	&cli.BoolFlag{
		Name:  "no-bootstrap",
		Usage: "Skip the console recovery sequence when connecting.",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "Log debug output.",
	},
}

func main() {
	app := &cli.App{
		Name:  "espz",
		Usage: "drive an Espruino console over serial, TCP or a WebSocket bridge",
		Flags: globalFlags,
		Commands: []*cli.Command{
			infoCommand,
			execCommand,
			writeCommand,
			sendCommand,
			tailCommand,
			replCommand,
			resetCommand,
			serveCommand,
			bridgeCommand,
			certsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func signalContext(cctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
}

func connect(ctx context.Context, r remote) (*device.Env, error) {
	env, err := r.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", r.Target(), err)
	}
	fmt.Printf("Connected to %s running Espruino %s\n", env.Board, env.Version)
	return env, nil
}

var infoCommand = &cli.Command{
	Name:  "info",
	Usage: "Print device information",
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signalContext(cctx)
		defer cancel()
		r, _, err := openRemote(cctx)
		if err != nil {
			return err
		}
		defer r.Close()

		env, err := connect(ctx, r)
		if err != nil {
			return err
		}
		fmt.Printf("Board:   %s\n", env.Board)
		fmt.Printf("Version: %s\n", env.Version)
		if env.Serial != "" {
			fmt.Printf("Serial:  %s\n", env.Serial)
		}
		if env.RAM > 0 {
			fmt.Printf("RAM:     %d\n", env.RAM)
		}
		if env.Flash > 0 {
			fmt.Printf("Flash:   %d\n", env.Flash)
		}
		if modules := env.ModuleList(); len(modules) > 0 {
			fmt.Printf("Modules: %s\n", strings.Join(modules, ", "))
		}
		return nil
	},
}

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "Evaluate an expression on the device and print its JSON value",
	ArgsUsage: "EXPRESSION",
	Action: func(cctx *cli.Context) error {
		expr := strings.Join(cctx.Args().Slice(), " ")
		if strings.TrimSpace(expr) == "" {
			return errors.New("no expression given")
		}
		ctx, cancel := signalContext(cctx)
		defer cancel()
		r, cfg, err := openRemote(cctx)
		if err != nil {
			return err
		}
		defer r.Close()

		v, err := r.Exec(ctx, expr, cfg.ExecTimeout)
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Println("undefined")
			return nil
		}
		fmt.Println(string(v))
		return nil
	},
}

var writeCommand = &cli.Command{
	Name:      "write",
	Usage:     "Write files to device storage, under their base names",
	ArgsUsage: "FILE...",
	Action: func(cctx *cli.Context) error {
		files := cctx.Args().Slice()
		if len(files) == 0 {
			return errors.New("no files given")
		}
		ctx, cancel := signalContext(cctx)
		defer cancel()
		r, _, err := openRemote(cctx)
		if err != nil {
			return err
		}
		defer r.Close()
		if _, err := connect(ctx, r); err != nil {
			return err
		}

		for _, f := range files {
			contents, err := os.ReadFile(f)
			if err != nil {
				return fmt.Errorf("reading %s: %w", f, err)
			}
			name := filepath.Base(f)
			fmt.Printf("Writing %q (%db) ...\n", name, len(contents))
			if err := r.WriteFile(ctx, name, contents); err != nil {
				return err
			}
		}
		fmt.Printf("Finished writing %d files.\n", len(files))
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send bundled code and its assets to the device",
	ArgsUsage: "[ENTRY...]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "asset",
			Usage: "File to store in device storage before the code is sent. Can be repeated.",
		},
		&cli.StringFlag{
			Name:  "reset",
			Usage: `Reset before sending: "soft" or "hard".`,
		},
		&cli.BoolFlag{
			Name:  "boot",
			Usage: "Save the code to run at boot, then reboot.",
		},
		&cli.BoolFlag{
			Name:  "save",
			Usage: "Call save() after the code ran.",
		},
		&cli.BoolFlag{
			Name:  "tail",
			Usage: "Keep printing device output after sending.",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cfg.Gateway != "" {
			return errors.New("send needs the console itself and cannot go through a gateway")
		}
		logger, err := newLogger(cctx)
		if err != nil {
			return err
		}

		entries := cctx.Args().Slice()
		if len(entries) == 0 {
			entries = cfg.Deploy.Entries
		}
		if len(entries) == 0 {
			entries = []string{"index.js"}
		}
		assets := cfg.Deploy.Assets
		if cctx.IsSet("asset") {
			assets = cctx.StringSlice("asset")
		}
		resetFlag := cfg.Deploy.Reset
		if cctx.IsSet("reset") {
			resetFlag = cctx.String("reset")
		}
		reset, err := deploy.ParseResetMode(resetFlag)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cctx)
		defer cancel()

		bundle, err := (&deploy.FileCompiler{Assets: assets}).Compile(ctx, entries)
		if err != nil {
			return err
		}

		c, err := openConsole(cctx, cfg, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		board := device.New(c, device.WithLogger(logger))
		r := &directRemote{console: c, board: board}
		if _, err := connect(ctx, r); err != nil {
			return err
		}

		tailCtx, stopTail := context.WithCancel(ctx)
		defer stopTail()
		tailDone := make(chan error, 1)
		go func() { tailDone <- r.Tail(tailCtx, printLine) }()

		opts := deploy.DefaultOptions()
		opts.Reset = reset
		opts.Boot = cfg.Deploy.Boot || cctx.Bool("boot")
		opts.Save = cfg.Deploy.Save || cctx.Bool("save")
		res, err := deploy.New(board, deploy.WithLogger(logger)).Send(ctx, bundle, opts)
		if err != nil {
			return err
		}
		if res.Memory != nil {
			fmt.Printf("Done! %d of %d blocks free\n", res.Memory.Free, res.Memory.Total)
		} else {
			fmt.Println("Done!")
		}

		if !cctx.Bool("tail") {
			return nil
		}
		if res.Rebooted {
			if _, err := connect(ctx, r); err != nil {
				return err
			}
		}
		return <-tailDone
	},
}

func printLine(line string) { fmt.Println(line) }

var tailCommand = &cli.Command{
	Name:  "tail",
	Usage: "Print device output until interrupted",
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signalContext(cctx)
		defer cancel()
		r, _, err := openRemote(cctx)
		if err != nil {
			return err
		}
		defer r.Close()
		return r.Tail(ctx, printLine)
	},
}

var replCommand = &cli.Command{
	Name:  "repl",
	Usage: "Evaluate lines from stdin and print results along with device output",
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signalContext(cctx)
		defer cancel()
		r, cfg, err := openRemote(cctx)
		if err != nil {
			return err
		}
		defer r.Close()
		if _, err := connect(ctx, r); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		lines := make(chan string)
		g.Go(func() error { return r.Tail(gctx, printLine) })
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-gctx.Done():
					return
				}
			}
		}()
		g.Go(func() error {
			defer cancel()
			for line := range lines {
				if strings.TrimSpace(line) == "" {
					continue
				}
				v, err := r.Exec(gctx, line, cfg.ExecTimeout)
				switch {
				case err != nil:
					fmt.Printf("Error: %s\n", err)
				case v == nil:
					fmt.Println("=undefined")
				default:
					fmt.Printf("=%s\n", v)
				}
			}
			return nil
		})
		return g.Wait()
	},
}

var resetCommand = &cli.Command{
	Name:  "reset",
	Usage: "Reset the interpreter, or interrupt whatever it is running",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "hard",
			Usage: "Also skip the saved code when restarting.",
		},
		&cli.BoolFlag{
			Name:  "interrupt",
			Usage: "Only send Ctrl+C.",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signalContext(cctx)
		defer cancel()
		r, _, err := openRemote(cctx)
		if err != nil {
			return err
		}
		defer r.Close()
		if cctx.Bool("interrupt") {
			return r.Interrupt(ctx)
		}
		return r.Reset(ctx, cctx.Bool("hard"))
	},
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Share the console with local tools through an HTTP gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "The address for the HTTP server to listen on.",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		logger, err := newLogger(cctx)
		if err != nil {
			return err
		}
		if cctx.IsSet("listen") {
			cfg.Listen = cctx.String("listen")
		}

		opts := []gateway.Option{gateway.WithLogger(logger), gateway.WithListenAddr(cfg.Listen)}
		if cfg.TLSDir != "" {
			tlsConfig, err := gateway.LoadServerTLSConfig(cfg.TLSDir)
			if err != nil {
				return fmt.Errorf("loading TLS config: %w", err)
			}
			opts = append(opts, gateway.WithTLSConfig(tlsConfig))
		}

		c, err := openConsole(cctx, cfg, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		s, err := gateway.NewServer(c, opts...)
		if err != nil {
			return fmt.Errorf("building gateway: %w", err)
		}

		ctx, cancel := signalContext(cctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(s.Run)
		g.Go(func() error {
			<-gctx.Done()
			return s.Stop()
		})
		return g.Wait()
	},
}

var bridgeCommand = &cli.Command{
	Name:  "bridge",
	Usage: "Relay the raw console over a WebSocket, for use as a ws:// address elsewhere",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "The address for the HTTP server to listen on.",
			Value: "127.0.0.1:8024",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		logger, err := newLogger(cctx)
		if err != nil {
			return err
		}
		dialer, err := transport.New(cfg.Address, cfg.TransportOptions()...)
		if err != nil {
			return err
		}

		router := httprouter.New()
		router.Handler(http.MethodGet, "/console", &gateway.Bridge{Log: logger.Named("bridge").Sugar(), Dialer: dialer})
		server := &http.Server{Handler: router}

		l, err := net.Listen("tcp", cctx.String("listen"))
		if err != nil {
			return fmt.Errorf("listening TCP: %w", err)
		}
		scheme := "ws"
		if cfg.TLSDir != "" {
			tlsConfig, err := gateway.LoadServerTLSConfig(cfg.TLSDir)
			if err != nil {
				return fmt.Errorf("loading TLS config: %w", err)
			}
			server.TLSConfig = tlsConfig
			scheme = "wss"
		}
		logger.Sugar().Infof("bridging %s at %s://%s/console", dialer, scheme, l.Addr())

		ctx, cancel := signalContext(cctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			if server.TLSConfig != nil {
				err = server.ServeTLS(l, "", "")
			} else {
				err = server.Serve(l)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Close()
		})
		return g.Wait()
	},
}

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "Generate a CA plus server and client certificates for mTLS between gateways, bridges and clients",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory to write the certificates to. Defaults to tls_dir from the config.",
		},
		&cli.StringSliceFlag{
			Name:  "host",
			Usage: "Name or IP address the server certificate is valid for. Can be repeated.",
			Value: cli.NewStringSlice("localhost", "127.0.0.1"),
		},
		&cli.DurationFlag{
			Name:  "valid-for",
			Usage: "How long the certificates stay valid.",
			Value: 30 * 24 * time.Hour,
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		dir := cctx.String("dir")
		if dir == "" {
			dir = cfg.TLSDir
		}
		if dir == "" {
			return errors.New("no directory given, set --dir or tls_dir")
		}
		certs, err := gateway.GenerateCerts(cctx.StringSlice("host"), cctx.Duration("valid-for"))
		if err != nil {
			return err
		}
		if err := certs.WriteDir(dir); err != nil {
			return err
		}
		fmt.Printf("Wrote certificates to %s\n", dir)
		return nil
	},
}
