package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"vimo/internal/app"
	"vimo/internal/tui"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "vimo",
		Short: "Chat with your videos",
		Long:  "vimo orchestrates a local video-analysis backend: index videos per chat session, then ask questions about them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Println("Starting analysis backend...")
			if err := application.Start(ctx); err != nil {
				return fmt.Errorf("backend startup: %w", err)
			}
			return tui.Run(application)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: "+app.DefaultConfigPath()+")")

	root.AddCommand(
		versionCmd(),
		sessionsCmd(&configPath),
		doctorCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildApp(configPath string) (*app.Application, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(cfg)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vimo", version)
		},
	}
}

func sessionsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in display order",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			sessions, err := application.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATE\tVIDEOS\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Title, s.AnalysisState, len(s.Videos),
					s.LastUpdated.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

// doctorCmd discovers the backend and prints its global status, useful when
// the backend is started externally.
func doctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check backend health and system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer application.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := application.Supervisor.Start(ctx); err != nil {
				return err
			}
			endpoint, _ := application.Supervisor.Endpoint()
			fmt.Println("backend endpoint:", endpoint)

			status, err := application.SystemStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Println("global config set: ", status.GlobalConfigSet)
			fmt.Println("imagebind loaded:  ", status.ImageBindLoaded)
			fmt.Println("active sessions:   ", status.TotalSessions)
			fmt.Println("indexed videos:    ", status.TotalIndexedVideos)
			return nil
		},
	}
}
