package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

var (
	tailHistory     int
	tailNoRead      bool
	tailMetricsAddr string
	sendTimeout     time.Duration
)

func init() {
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(sendCmd)
	tailCmd.Flags().IntVarP(&tailHistory, "history", "n", 20, "Number of earlier messages to print on start")
	tailCmd.Flags().BoolVar(&tailNoRead, "no-read", false, "Do not mark incoming messages read")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the durable write")
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <peer>",
	Short: "Follow a conversation live",
	Long:  "Open the conversation with <peer>, print its history and follow new messages, receipts and reactions until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		sess, cleanup, err := openSession(cfg, args[0], true, log)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := serveMetrics(tailMetricsAddr, log)
			defer srv.Close()
		}

		p := newPrinter(os.Stdout, cfg.Auth.UserID, tailHistory)
		sess.On(chatsync.EventChange, func(_ string, payload any) {
			p.render(payload.([]chatsync.Message), time.Now())
		})
		sess.On(chatsync.EventReconnecting, func(_ string, payload any) {
			if payload.(bool) {
				fmt.Fprintln(os.Stderr, "-- reconnecting --")
			} else {
				fmt.Fprintln(os.Stderr, "-- reconnected --")
			}
		})
		sess.On(chatsync.EventTyping, func(_ string, payload any) {
			t := payload.(chatsync.TypingIndicator)
			if t.Typing && t.UserID != cfg.Auth.UserID {
				fmt.Fprintf(os.Stderr, "-- %s is typing --\n", t.UserID)
			}
		})

		if err := sess.Open(ctx); err != nil {
			return err
		}
		defer sess.Close()

		fmt.Fprintf(os.Stderr, "-- %s (%s) --\n", sess.Key(), sess.ChannelState())
		if !tailNoRead {
			if err := sess.MarkVisible(ctx); err != nil {
				log.Warn().Err(err).Msg("mark read failed")
			}
		}
		<-ctx.Done()
		return nil
	},
}

func serveMetrics(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}

// printer writes each message once, and again whenever its visible state
// changes.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	local   string
	history int
	started bool
	seen    map[string]string
}

func newPrinter(out io.Writer, local string, history int) *printer {
	return &printer{out: out, local: local, history: history, seen: make(map[string]string)}
}

func (p *printer) render(msgs []chatsync.Message, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if !p.started {
		p.started = true
		if p.history >= 0 && len(msgs) > p.history {
			start = len(msgs) - p.history
			for _, m := range msgs[:start] {
				p.seen[messageKey(m)] = fingerprint(m)
			}
		}
	}
	for _, m := range msgs[start:] {
		k, fp := messageKey(m), fingerprint(m)
		if p.seen[k] == fp {
			continue
		}
		// A reconciled message changes key; forget its placeholder.
		if m.CorrelationID != "" {
			delete(p.seen, "local:"+m.CorrelationID)
		}
		p.seen[k] = fp
		fmt.Fprintln(p.out, formatLine(m, p.local, now))
	}
}

func fingerprint(m chatsync.Message) string {
	var b strings.Builder
	b.WriteString(stateMark(m))
	b.WriteByte('|')
	b.WriteString(m.Content)
	users := make([]string, 0, len(m.Reactions))
	for u := range m.Reactions {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		b.WriteString("|" + u + "=" + m.Reactions[u])
	}
	return b.String()
}

func formatLine(m chatsync.Message, local string, now time.Time) string {
	who := m.SenderID
	if who == local {
		who = "you"
	}
	content := m.Content
	if m.Deleted {
		content = "(deleted)"
	}
	line := fmt.Sprintf("[%s] %s: %s (%s)", humanize.RelTime(m.Timestamp(), now, "ago", "from now"), who, content, stateMark(m))
	if len(m.Reactions) > 0 {
		var rs []string
		for u, e := range m.Reactions {
			rs = append(rs, u+" "+e)
		}
		sort.Strings(rs)
		line += " [" + strings.Join(rs, ", ") + "]"
	}
	return line
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer> <text>",
	Short: "Send one message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		sess, cleanup, err := openSession(cfg, args[0], false, log)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := sess.Open(ctx); err != nil {
			return err
		}
		defer sess.Close()

		m, err := sess.Send(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s %s\n", m.ID, humanize.Time(m.Timestamp()))
		return nil
	},
}
