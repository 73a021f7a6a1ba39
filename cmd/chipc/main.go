// Command chipc stands in for the real device-code compiler toolchain:
// it takes a JSON program descriptor (kernel names and module-scope
// variable declarations) and emits the opaque blob simdriver.CreateModule
// decodes, the same input/output shape a real front end would have if it
// targeted this runtime's native driver boundary directly.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/karlwessel/chipstar-core/simdriver"
)

func main() {
	app := &cli.App{
		Name:      "chipc",
		Usage:     "compile a program descriptor into a simdriver-loadable module",
		ArgsUsage: "<descriptor.json> <out.bin>",
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chipc:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("usage: chipc <descriptor.json> <out.bin>", 1)
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)

	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	var prog simdriver.Program
	if err := json.Unmarshal(raw, &prog); err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}

	if err := os.WriteFile(dst, simdriver.Compile(prog), 0o644); err != nil {
		return err
	}
	fmt.Printf("compiled %s -> %s (%d kernels, %d variables)\n", src, dst, len(prog.Kernels), len(prog.Vars))
	return nil
}
