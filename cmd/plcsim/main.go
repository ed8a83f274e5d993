// Command plcsim runs the soft PLC simulator: it loads a YAML
// configuration document, builds the shared Memory Image, starts the
// signal simulation producers, and serves one Modbus/TCP listener per
// configured fieldbus module until interrupted.
//
// CLI usage follows the pflag convention established in
// doismellburning-samoyed/src/appserver.go: a single positional
// configuration-file argument, -V/--version, Ctrl-C for clean shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/plcsim/plcsim/internal/listener"
	"github.com/plcsim/plcsim/internal/memimage"
	"github.com/plcsim/plcsim/internal/metrics"
	"github.com/plcsim/plcsim/internal/modbus"
	"github.com/plcsim/plcsim/internal/plcconfig"
	"github.com/plcsim/plcsim/internal/registry"
	"github.com/plcsim/plcsim/internal/sim"
)

// version is stamped at release time; left as a plain constant since the
// simulator has no build pipeline of its own to inject it.
const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("plcsim", pflag.ContinueOnError)
	showVersion := flags.BoolP("version", "V", false, "Print version and exit.")
	metricsAddr := flags.String("metrics-addr", "", "Address to serve /metrics on (empty disables it).")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] CONFIG_FILE\n\n", os.Args[0])
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println("plcsim", version)
		return 0
	}

	if len(flags.Args()) != 1 {
		flags.Usage()
		return 2
	}

	doc, err := plcconfig.Load(flags.Args()[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	configureLogging(doc.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, doc, *metricsAddr); err != nil {
		log.Error("plcsim exited with error", "err", err)
		return 1
	}
	return 0
}

func configureLogging(conf plcconfig.LoggingConfig) {
	switch conf.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func serve(ctx context.Context, doc *plcconfig.Document, metricsAddr string) error {
	ms := doc.MemoryManager.Memspace
	img := memimage.NewImage(ms.BLen, ms.W16Len, ms.W32Len, ms.W64Len)

	mreg, metricsHandler := metrics.New()

	templates := make([]registry.Template, 0, len(doc.FieldbusManager.Modules))
	for _, mod := range doc.FieldbusManager.Modules {
		conf := modbus.Config{
			WordSection: memimage.Section(orDefault(mod.Conf.WordSection, string(memimage.Words16))),
			BitSection:  memimage.Section(orDefault(mod.Conf.BitSection, string(memimage.Bits))),
			OneShot:     mod.Conf.OneShot,
		}
		tpl := modbus.NewTemplate(mod.ID, img, conf)
		tpl.Metrics = mreg

		templates = append(templates, registry.Template{
			ID:   mod.ID,
			Port: mod.Port,
			Handler: func(conn net.Conn) registry.ConnHandler {
				return tpl.Clone(conn)
			},
		})
	}

	reg, err := registry.New(templates)
	if err != nil {
		return err
	}

	simConfs := make([]sim.Config, 0, len(doc.IOManager.Simulations))
	for _, rec := range doc.IOManager.Simulations {
		c, err := translateSimRecord(rec)
		if err != nil {
			return fmt.Errorf("plcsim: simulation config: %w", err)
		}
		simConfs = append(simConfs, c)
	}
	scheduler := sim.NewScheduler(simConfs, img, mreg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})

	for _, tpl := range reg.Templates() {
		l := &listener.Listener{
			Host:     doc.Listener.Host,
			Port:     tpl.Port,
			Backlog:  doc.Listener.Backlog,
			Registry: reg,
			Metrics:  mreg,
		}
		g.Go(func() error { return l.Serve(gctx) })
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsHandler}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
