// Entry point for the temper CLI. It wires the config, logbook, tool
// client, sidecar store, and pipeline together, then hands control to the
// terminal UI (default) or runs headless behind the HTTP bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/temperhq/temper/internal/bridge"
	"github.com/temperhq/temper/internal/config"
	"github.com/temperhq/temper/internal/logbook"
	"github.com/temperhq/temper/internal/pipeline"
	"github.com/temperhq/temper/internal/screen"
	"github.com/temperhq/temper/internal/sidecar"
	"github.com/temperhq/temper/internal/tool"
	"github.com/temperhq/temper/internal/tui"
)

func main() {
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	headless := flag.Bool("headless", false, "run without the terminal UI; drive the run over the HTTP bridge")
	run := flag.Bool("run", false, "with -headless, start discovery and analysis immediately")
	flag.Parse()

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitTemperDir(absoluteProject); err != nil {
		die("init %s: %v", config.TemperDir, err)
	}
	cfg, err := config.NewConfig(absoluteProject)
	if err != nil {
		die("load config: %v", err)
	}

	lb, err := logbook.New(filepath.Join(cfg.LogsDir(), "temper.log"))
	if err != nil {
		die("open logbook: %v", err)
	}

	toolOpts := []tool.Option{tool.WithDir(absoluteProject)}
	if timeout := time.Duration(cfg.Project.Tool.Timeout); timeout > 0 {
		toolOpts = append(toolOpts, tool.WithTimeout(timeout))
	}
	client := tool.NewClient(cfg.Project.Tool.Command, toolOpts...)

	p := pipeline.New(pipeline.Options{
		SourceRoot:   cfg.SourceRoot(),
		ScreenSuffix: cfg.Project.ScreenSuffix,
		Exclude:      screen.ExcludeList(cfg.Project.ExcludedNames, cfg.Project.ExcludedDirs),
		Invoker:      client,
		Store:        sidecar.NewStore(cfg.Project.ArtifactPrefix),
		Log:          lb,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := bridge.SettingsFromConfig(cfg)
	var server *bridge.Server
	if settings.Enabled {
		server = bridge.NewServer(settings, p, bridge.WithLogger(lb))
		if err := server.Start(ctx); err != nil {
			die("start bridge: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if *headless {
		if !settings.Enabled {
			die("headless mode requires the bridge; enable it in %s", cfg.ProjectConfigPath())
		}
		if *run {
			go func() {
				if err := p.Run(); err != nil {
					lb.Error("run failed: %v", err)
				}
			}()
		}
		fmt.Printf("temper bridge listening on %s\n", server.BaseURL())
		<-ctx.Done()
		return
	}

	if err := tui.Run(p, lb); err != nil {
		die("run terminal UI: %v", err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
