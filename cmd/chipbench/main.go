// Command chipbench drives a configurable number of kernel launches
// through the reference driver and reports event and command-list pool
// reuse statistics, the pool-conservation properties this runtime is
// expected to hold under sustained load.
package main

import (
	goruntime "runtime"

	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/karlwessel/chipstar-core/execitem"
	"github.com/karlwessel/chipstar-core/runtime"
	"github.com/karlwessel/chipstar-core/simdriver"
)

func main() {
	app := &cli.App{
		Name:  "chipbench",
		Usage: "measure event and command-list pool reuse under load",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "iter", Value: 10000, Usage: "number of kernel launches"},
			&cli.BoolFlag{Name: "immediate", Usage: "use immediate command lists instead of regular ones"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chipbench:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	fmt.Println("chipstar-core bench")
	fmt.Println("====================")
	fmt.Printf("Go version: %s\n", goruntime.Version())
	fmt.Printf("CPUs: %d\n", goruntime.NumCPU())

	iter := c.Int("iter")
	drv := simdriver.New(simdriver.DefaultOptions())
	backend, err := runtime.NewBackend(drv, runtime.Options{ImmediateCmdLists: c.Bool("immediate")}, nil)
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

	prog := simdriver.Compile(simdriver.Program{Kernels: []string{"noop"}})
	mod, err := ctx.LoadModule(dev, prog, simdriver.Inspector, "", q)
	if err != nil {
		return err
	}
	kernel, err := mod.Kernel("noop")
	if err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < iter; i++ {
		item, err := execitem.New(kernel.Handle(), [3]uint32{1, 1, 1}, [3]uint32{1, 1, 1})
		if err != nil {
			return err
		}
		e, err := q.Submit(item, nil)
		if err != nil {
			return err
		}
		if err := e.Wait(drv, time.Microsecond); err != nil {
			return err
		}
		e.Release()
	}
	elapsed := time.Since(start)

	evtReq, evtReused := ctx.EventPoolStats(dev)
	clReq, clReused := ctx.CmdListPoolStats(dev)

	fmt.Printf("launches: %d in %s (%.1f/s)\n", iter, elapsed, float64(iter)/elapsed.Seconds())
	fmt.Printf("events requested=%d reused=%d\n", evtReq, evtReused)
	fmt.Printf("cmdlists requested=%d reused=%d\n", clReq, clReused)
	return nil
}
