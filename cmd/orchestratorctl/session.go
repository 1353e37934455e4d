package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	for _, verb := range []string{"start", "pause", "resume", "stop"} {
		verb := verb
		rootCmd.AddCommand(&cobra.Command{
			Use:   fmt.Sprintf("%s <session-id>", verb),
			Short: fmt.Sprintf("%s a session", verb),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return postVerb(addr, args[0], verb)
			},
		})
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "get <session-id>",
		Short: "print a session's full record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getPath(addr, "/sessions/"+args[0])
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats <session-id>",
		Short: "print a session's progress counters and job records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getPath(addr, "/sessions/"+args[0]+"/stats")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health <session-id>",
		Short: "print a session's live registry health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getPath(addr, "/sessions/"+args[0]+"/health")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "activity <session-id>",
		Short: "print a session's activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getPath(addr, "/sessions/"+args[0]+"/activity")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list-by-project <project-id>",
		Short: "list sessions for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getPath(addr, "/projects/"+args[0]+"/sessions")
		},
	})
}
