package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.aimuz.me/voicelink/devserver"
	"go.aimuz.me/voicelink/session"
)

// sessionCmd prints or resets the stored client identity.
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the session id and stored endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *session.Store) error {
				id, err := store.ID()
				if err != nil {
					return err
				}
				endpoint, err := store.Preference(session.PrefEndpoint)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session:  %s\n", id)
				if endpoint != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "endpoint: %s\n", endpoint)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "forget-endpoint",
		Short: "Clear the stored endpoint preference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *session.Store) error {
				return store.SetPreference(session.PrefEndpoint, "")
			})
		},
	})
	return cmd
}

func withStore(fn func(*session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir, err := cfg.DataPath()
	if err != nil {
		return err
	}
	store, err := session.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// devserverCmd runs the local loopback backend.
func devserverCmd() *cobra.Command {
	var cfg devserver.Config

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local echo backend for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			return devserver.New(cfg).ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", ":3000", "listen address")
	cmd.Flags().DurationVar(&cfg.ReplyAfter, "reply-after", 600*time.Millisecond, "silence before the server answers a turn")
	cmd.Flags().DurationVar(&cfg.MaxEcho, "max-echo", 5*time.Second, "longest audio echoed back per turn")
	return cmd
}
