package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/specialistvlad/accelgrid/internal/assembler"
	"github.com/specialistvlad/accelgrid/internal/bytecode"
	"github.com/specialistvlad/accelgrid/internal/config"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
	"github.com/specialistvlad/accelgrid/internal/engine"
	"github.com/specialistvlad/accelgrid/internal/eventstream"
	"github.com/specialistvlad/accelgrid/internal/kernels"
)

// Run compiles the grid and runs it the configured number of times.
func (app *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, app.logger)
	app.logger.Debug("App.Run method started.")

	app.startMetricsServer(ctx)
	defer func() { err = errors.Join(err, app.closeMetricsServer(ctx)) }()

	plan, err := buildSchedule(app.model).Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build schedule: %w", err)
	}
	prog, err := assembler.Compile(ctx, plan.Graph)
	if err != nil {
		return fmt.Errorf("failed to compile schedule: %w", err)
	}
	app.logger.Info("Program compiled.",
		"schedule", plan.Name,
		"instructions", len(prog.Instructions),
		"event_slots", prog.EventSlots,
		"devices", len(prog.Devices))

	if err := app.export(prog); err != nil {
		return err
	}

	devs, err := startDevices(ctx, app.model)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, devs.Close()) }()

	binding, err := newBinding(app.model, app.kernels, devs)
	if err != nil {
		return err
	}

	opts := []engine.Option{engine.WithObserver(app.collector)}
	var events *eventstream.Publisher
	if app.config.EventsURL != "" {
		events, err = eventstream.Connect(ctx, app.config.EventsURL, plan.Name)
		if err != nil {
			return fmt.Errorf("failed to connect event stream: %w", err)
		}
		defer func() {
			if dropped := events.Dropped(); dropped > 0 {
				app.logger.Warn("Event stream dropped events.", "count", dropped)
			}
			err = errors.Join(err, events.Close())
		}()
		opts = append(opts, engine.WithObserver(events))
	}
	alignment := app.model.Alignment
	if alignment == 0 {
		alignment = engine.DefaultAlignment
	}
	opts = append(opts, engine.WithAllocation(app.model.Header, alignment))

	eng, err := engine.New(prog, devs.targets, opts...)
	if err != nil {
		return err
	}

	app.logger.Info("🚀 Starting execution...", "iterations", app.config.Iterations)
	for i := 1; i <= app.config.Iterations; i++ {
		start := time.Now()
		runErr := eng.Run(ctx, binding)
		elapsed := time.Since(start)

		app.collector.ObserveRun(runErr, elapsed)
		if events != nil {
			events.RunFinished(i, runErr, elapsed)
		}
		for d, t := range devs.targets {
			app.collector.ObserveMemory(d, t.Memory)
		}
		if runErr != nil {
			return fmt.Errorf("execution failed in iteration %d: %w", i, runErr)
		}
		app.logger.Debug("Iteration finished.", "iteration", i, "duration", elapsed)
	}
	app.logger.Info("🏁 Execution finished.")

	return app.printResults(binding)
}

// export prints or writes the program as configured.
func (app *App) export(prog *bytecode.Program) error {
	if app.config.Dump {
		if err := prog.Disassemble(app.outW); err != nil {
			return fmt.Errorf("failed to disassemble program: %w", err)
		}
	}
	if app.config.EmitPath == "" {
		return nil
	}
	encoded, err := bytecode.Encode(prog)
	if err != nil {
		return fmt.Errorf("failed to encode program: %w", err)
	}
	if err := os.WriteFile(app.config.EmitPath, encoded, 0o644); err != nil {
		return fmt.Errorf("failed to write program: %w", err)
	}
	app.logger.Info("Program written.", "path", app.config.EmitPath, "bytes", len(encoded))
	return nil
}

// printResults writes one line per stream-out parameter.
func (app *App) printResults(b *engine.Binding) error {
	if len(app.model.StreamOut) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(app.outW, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tVALUES")
	for _, name := range app.model.StreamOut {
		i := app.model.Parameter(name)
		var values any = kernels.ToFloat32s(b.Params[i])
		if app.model.Parameters[i].Type == config.Int32 {
			values = kernels.ToInt32s(b.Params[i])
		}
		fmt.Fprintf(w, "%s\t%v\n", name, values)
	}
	return w.Flush()
}
