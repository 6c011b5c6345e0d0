package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/console"
	"github.com/JakeFAU/botfleet-console/internal/hubclient"
	"github.com/JakeFAU/botfleet-console/internal/server"
	"github.com/JakeFAU/botfleet-console/internal/session"
)

const tailStopTimeout = 5 * time.Second

func newTailCmd() *cobra.Command {
	var (
		botID      int64
		all        bool
		transports []string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream bot logs to the terminal",
		Long: `Connects to the streaming hub, subscribes to one bot (--bot) or the whole
fleet (--all, or console.bot_id = 0) and prints every log line and progress
update until interrupted. Reconnects are reported inline.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			scope := env.cfg.Console.Scope()
			switch {
			case all:
				scope = botlog.All()
			case cmd.Flags().Changed("bot"):
				if botID < 0 {
					return fmt.Errorf("--bot must be >= 0, got %d", botID)
				}
				scope = botlog.Single(botID)
			}

			opts := env.cfg.Hub.Options(env.logger.Named("hub"))
			if len(transports) > 0 {
				opts.Transports = opts.Transports[:0]
				for _, raw := range transports {
					tt, err := hubclient.ParseTransport(raw)
					if err != nil {
						return err
					}
					opts.Transports = append(opts.Transports, tt)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cmd.OutOrStdout(), env, scope, hubclient.NewDialer(env.cfg.Hub.URL, opts))
		},
	}
	cmd.Flags().Int64Var(&botID, "bot", 0, "bot id to follow (overrides console.bot_id)")
	cmd.Flags().BoolVar(&all, "all", false, "follow the whole fleet")
	cmd.Flags().StringSliceVar(&transports, "transport", nil, "restrict hub transports (websockets, sse, longpolling)")
	return cmd
}

// runTail prints records for scope until ctx ends.
func runTail(ctx context.Context, out io.Writer, env *environment, scope botlog.Scope, dialer session.Dialer) error {
	printer := newLogPrinter(out, scope)
	cfg := server.ConsoleConfig(env.cfg)
	cfg.Observers = append(cfg.Observers, printer.OnStateChange)

	c, err := console.New(cfg, scope, dialer, env.logger.Named("console"), printer)
	if err != nil {
		return err
	}
	printer.Notice(fmt.Sprintf("following %s via %s", scope, env.cfg.Hub.URL))
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), tailStopTimeout)
	defer cancel()
	if err := c.Disconnect(stopCtx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	stats := c.Stats()
	printer.Notice(fmt.Sprintf("%d lines buffered: %d errors, %d warnings, %d successes",
		stats.Total, stats.Errors, stats.Warnings, stats.Successes))
	return nil
}

// logPrinter is a session.EventSink writing one styled line per record.
type logPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	scope botlog.Scope
	p     palette
}

func newLogPrinter(out io.Writer, scope botlog.Scope) *logPrinter {
	return &logPrinter{out: out, scope: scope, p: newPalette(out)}
}

// OnLogEvent implements session.EventSink.
func (l *logPrinter) OnLogEvent(rec botlog.LogRecord) {
	if !botlog.AcceptsLog(l.scope, rec) {
		return
	}
	source := rec.SourceLabel()
	if source == "" {
		source = "system"
	}
	l.println(strings.Join([]string{
		l.p.time.Render(clockLabel(rec.Time(), rec.Timestamp)),
		l.p.level(rec.Level).Render(strings.ToUpper(string(rec.Level))),
		l.p.source.Render("[" + source + "]"),
		rec.Message,
	}, " "))
}

// OnProgressEvent implements session.EventSink.
func (l *logPrinter) OnProgressEvent(rec botlog.ProgressRecord) {
	if !botlog.AcceptsProgress(l.scope, rec) {
		return
	}
	name := rec.BotName
	if name == "" {
		name = fmt.Sprintf("bot %d", rec.BotID)
	}
	line := fmt.Sprintf("%s %s %s %5.1f%% (%d/%d)",
		l.p.time.Render(clockLabel(rec.Time(), rec.Timestamp)),
		l.p.progress.Render("PROGRESS"),
		l.p.source.Render("["+name+"]"),
		rec.Percentage, rec.Current, rec.Total)
	if rec.Message != "" {
		line += " " + rec.Message
	}
	l.println(line)
}

// OnStateChange is a session.Observer reporting connection changes inline.
func (l *logPrinter) OnStateChange(_, to session.State) {
	switch to {
	case session.StateConnected:
		l.println(l.p.ok.Render("● " + to.String()))
	case session.StateReconnecting:
		l.println(l.p.warn.Render("● " + to.String() + "..."))
	case session.StateDisconnected:
		l.println(l.p.fail.Render("● " + to.String()))
	}
}

// Notice prints an informational line.
func (l *logPrinter) Notice(msg string) {
	l.println(l.p.dim.Render(msg))
}

func (l *logPrinter) println(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, line)
}

func clockLabel(t time.Time, raw string) string {
	if t.IsZero() {
		return raw
	}
	return t.Local().Format("15:04:05")
}
