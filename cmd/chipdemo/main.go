// Command chipdemo runs a small vector-add program against the reference
// simdriver backend, exercising the full Context/Device/Queue/Module path
// end to end without any real GPU present.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/karlwessel/chipstar-core/driver"
	"github.com/karlwessel/chipstar-core/execitem"
	"github.com/karlwessel/chipstar-core/runtime"
	"github.com/karlwessel/chipstar-core/simdriver"
)

func main() {
	app := &cli.App{
		Name:  "chipdemo",
		Usage: "run a vector-add kernel against the reference driver",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 8, Usage: "vector element count"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "if set, serve Prometheus metrics at http://<addr>/metrics"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chipdemo:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := zap.NewNop()
	if c.Bool("verbose") {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		log = l
	}

	registry := prometheus.NewRegistry()
	if addr := c.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	n := c.Int("n")
	drv := simdriver.New(simdriver.DefaultOptions())
	backend, err := runtime.NewBackend(drv, runtime.Options{Logger: log}, registry)
	if err != nil {
		return err
	}
	defer backend.Close()

	dev := backend.ActiveDevice()
	ctx, err := backend.NewContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	q, err := dev.ComputeQueue(ctx)
	if err != nil {
		return err
	}

	a, err := ctx.Allocate(dev, uintptr(n*4), 8, driver.MemoryDevice)
	if err != nil {
		return err
	}
	b, err := ctx.Allocate(dev, uintptr(n*4), 8, driver.MemoryDevice)
	if err != nil {
		return err
	}
	out, err := ctx.Allocate(dev, uintptr(n*4), 8, driver.MemoryDevice)
	if err != nil {
		return err
	}

	av := make([]byte, n*4)
	bv := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(av[i*4:], math.Float32bits(float32(i)))
		binary.LittleEndian.PutUint32(bv[i*4:], math.Float32bits(float32(i*10)))
	}
	if err := drv.WriteBytes(a, av); err != nil {
		return err
	}
	if err := drv.WriteBytes(b, bv); err != nil {
		return err
	}

	prog := simdriver.Compile(simdriver.Program{Kernels: []string{"vector_add"}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q)
	if err != nil {
		return err
	}
	kernel, err := mod.Kernel("vector_add")
	if err != nil {
		return err
	}

	item, err := execitem.New(kernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{uint32(n), 1, 1})
	if err != nil {
		return err
	}
	args := make([]byte, 24+4)
	binary.LittleEndian.PutUint64(args[0:8], uint64(out))
	binary.LittleEndian.PutUint64(args[8:16], uint64(a))
	binary.LittleEndian.PutUint64(args[16:24], uint64(b))
	binary.LittleEndian.PutUint32(args[24:28], uint32(n))
	if err := item.SetArg(0, 0, args); err != nil {
		return err
	}

	e, err := q.Submit(item, nil)
	if err != nil {
		return err
	}
	if err := e.Wait(drv, time.Millisecond); err != nil {
		return err
	}

	result, err := drv.ReadBytes(out, n*4)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(result[i*4:]))
		fmt.Printf("out[%d] = %g\n", i, v)
	}
	return nil
}
