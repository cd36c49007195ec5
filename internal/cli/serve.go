package cli

import (
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP server that accepts healing runs and reports on them.

  POST /api/runs                 start a run (JSON body: repo_url, team_name, leader_name, workspace)
  GET  /api/runs                 list runs
  GET  /api/runs/{id}            current run state
  GET  /api/runs/{id}/results    final report
  GET  /api/runs/{id}/stream     Server-Sent Events progress stream

Several runs may execute at once, each in its own workspace. On shutdown
in-flight runs are cancelled; each still pushes its commits and writes
its report before the server exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		launcher := web.LauncherFunc(func(req orchestrator.RunRequest) (string, error) {
			o, err := a.newOrchestrator(&req, "", io.Discard)
			if err != nil {
				return "", err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := o.Run(ctx, req); err != nil {
					a.log.Error("run did not start", "run_id", req.RunID, "error", err)
				}
			}()
			return req.RunID, nil
		})

		srv := web.NewServer(web.Options{
			Runs:     a.runs,
			Results:  a.results,
			DB:       a.events,
			Launcher: launcher,
			Port:     port,
			Logger:   a.log,
		})
		err = srv.Start(ctx)
		wg.Wait()
		return err
	},
}

func init() {
	serveCmd.Flags().Int("port", web.DefaultPort, "Port to listen on")
}
