package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/botfleet-console/internal/fleetapi"
)

func newBotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "List, create and run fleet bots",
	}
	cmd.AddCommand(newBotsListCmd(), newBotsCreateCmd(), newBotsRunCmd())
	return cmd
}

func fleetClient(ctx context.Context) (*fleetapi.Client, error) {
	env, err := resolveEnv(ctx)
	if err != nil {
		return nil, err
	}
	client, err := fleetapi.New(env.cfg.API.BaseURL, fleetapi.Options{
		Timeout: env.cfg.API.Timeout(),
		Logger:  env.logger.Named("fleetapi"),
	})
	if err != nil {
		return nil, fmt.Errorf("fleet api client: %w", err)
	}
	return client, nil
}

func newBotsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured bots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := fleetClient(cmd.Context())
			if err != nil {
				return err
			}
			bots, err := client.ListBots(cmd.Context())
			if err != nil {
				return err
			}
			printBots(cmd.OutOrStdout(), bots)
			return nil
		},
	}
}

func printBots(w io.Writer, bots []fleetapi.Bot) {
	p := newPalette(w)
	if len(bots) == 0 {
		fmt.Fprintln(w, p.dim.Render("no bots configured"))
		return
	}
	id := p.header.Width(6)
	name := p.header.Width(24)
	source := p.header.Width(20)
	state := p.header.Width(10)
	fmt.Fprintln(w, id.Render("ID")+name.Render("NAME")+source.Render("SOURCE")+state.Render("STATE")+p.header.Render("URL"))
	for _, b := range bots {
		status := p.dim.Width(10).Render("inactive")
		if b.IsActive {
			status = p.ok.Width(10).Render("active")
		}
		fmt.Fprintln(w,
			p.source.Width(6).Render(strconv.FormatInt(b.ID, 10))+
				lineCell(24, b.Name)+
				lineCell(20, b.Source)+
				status+
				b.URL)
	}
}

// lineCell pads or truncates s to width runes.
func lineCell(width int, s string) string {
	r := []rune(s)
	if len(r) >= width {
		r = append(r[:width-2], '…', ' ')
	}
	return string(r) + strings.Repeat(" ", width-len(r))
}

func newBotsCreateCmd() *cobra.Command {
	var req fleetapi.CreateBotRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bot",
		Long: fmt.Sprintf("Creates a bot scraping --url from --source (one of: %s).",
			strings.Join(fleetapi.Sources, ", ")),
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := fleetClient(cmd.Context())
			if err != nil {
				return err
			}
			bot, err := client.CreateBot(cmd.Context(), req)
			if err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%s bot %d (%s)\n", p.ok.Render("created"), bot.ID, bot.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "bot name (min 3 characters)")
	cmd.Flags().StringVar(&req.Source, "source", "", "listing source")
	cmd.Flags().StringVar(&req.URL, "url", "", "search results URL to scrape")
	cmd.Flags().BoolVar(&req.IsActive, "active", true, "create the bot enabled")
	return cmd
}

func newBotsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <bot-id>",
		Short: "Start a bot run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid bot id %q", args[0])
			}
			client, err := fleetClient(cmd.Context())
			if err != nil {
				return err
			}
			msg, err := client.RunBot(cmd.Context(), id)
			if err != nil {
				return err
			}
			if msg == "" {
				msg = "run requested"
			}
			p := newPalette(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", p.ok.Render(fmt.Sprintf("bot %d:", id)), msg)
			return nil
		},
	}
}
