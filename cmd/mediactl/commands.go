package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"media-delivery-engine/internal/engine"
	"media-delivery-engine/internal/mcpserver"
	"media-delivery-engine/internal/seed"
	"media-delivery-engine/internal/staging"
)

var version = "dev"

func newDetectCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect <text>",
		Short: "Show the triggers a message would fire",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			text := strings.Join(args, " ")
			matches, err := s.eng.Detect(cmd.Context(), text)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, matches)
			}
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No triggers.")
				return nil
			}
			rows := make([][]string, 0, len(matches))
			for _, m := range matches {
				def := m.DefinitionID
				if def == "" {
					def = "(none)"
				}
				rows = append(rows, []string{string(m.Kind), m.Identity, def, strconv.Itoa(len(m.Offsets))})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Kind", "Identity", "Definition", "Hits"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var subscriber string
	cmd := &cobra.Command{
		Use:   "process <text>",
		Short: "Run the full delivery pipeline for one outbound message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.eng.ProcessOutgoingMessage(cmd.Context(), subscriber, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return writeJSON(cmd, res)
		},
	}
	cmd.Flags().StringVarP(&subscriber, "subscriber", "s", "", "Subscriber id to deliver to")
	_ = cmd.MarkFlagRequired("subscriber")
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <subscriber>",
		Short: "Show what was sent to a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			h, err := s.eng.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				if h == nil {
					h = engine.History{}
				}
				return writeJSON(cmd, h)
			}
			if len(h) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(h))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func renderHistory(h engine.History) string {
	ids := make([]string, 0, len(h))
	for id := range h {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rec := h[id]
		last := "-"
		if rec.LastSentAt != nil {
			last = rec.LastSentAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{id, strconv.Itoa(rec.SendCount), strconv.Itoa(rec.TotalImagesSent), last})
	}
	return renderTable([]string{"Trigger", "Sends", "Images", "Last Sent"}, rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft})
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <subscriber> [trigger-id]",
		Short: "Clear send history so suppressed triggers can fire again",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			trigger := ""
			if len(args) == 2 {
				trigger = args[1]
			}
			if err := s.eng.ResetHistory(cmd.Context(), args[0], trigger); err != nil {
				return err
			}
			if trigger == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared all history for %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s for %s\n", trigger, args[0])
			}
			return nil
		},
	}
}

func newTriggersCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "List trigger definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			defs, err := s.eng.ListTriggers(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if defs == nil {
					defs = []engine.TriggerDefinition{}
				}
				return writeJSON(cmd, defs)
			}
			if len(defs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No triggers.")
				return nil
			}
			rows := make([][]string, 0, len(defs))
			for _, d := range defs {
				enabled := "yes"
				if !d.Enabled {
					enabled = "no"
				}
				rows = append(rows, []string{d.ID, string(d.MatchMode), enabled, strconv.Itoa(len(d.Images))})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Match", "Enabled", "Images"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newPreviewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <trigger-id>",
		Short: "Show the images a trigger would send, in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.eng.Preview(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Intro)
			rows := make([][]string, 0, len(res.Images))
			for i, img := range res.Images {
				src := img.Path
				if img.RemoteURL != "" {
					src = img.RemoteURL
				}
				rows = append(rows, []string{strconv.Itoa(i + 1), img.ID, img.Filename, src})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Image", "File", "Source"}, rows,
				[]columnAlignment{alignRight}))
			return nil
		},
	}
}

func newSeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <catalog.yaml>",
		Short: "Import trigger definitions from a YAML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := seed.LoadFile(args[0])
			if err != nil {
				return err
			}
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			res := seed.Apply(cmd.Context(), s.eng, c)
			for _, e := range res.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d, failed %d\n", res.Applied, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d trigger(s) rejected", res.Failed)
			}
			return nil
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and orphaned staged images once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			sw := staging.NewSweeper(s.stager.Dir(), s.cfg.Staging.TTL, s.cfg.Staging.SweepInterval, s.store)
			res, err := sw.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d, orphans %d, kept %d\n", res.Expired, res.Orphans, res.Kept)
			return nil
		},
	}
}

func newMCPCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := ctx.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close()
			return mcpserver.NewServer(s.eng, version).Run(cmd.Context())
		},
	}
}
