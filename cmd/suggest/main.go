// Command suggest prints who should play next for a session.
//
// With -snapshot it runs the engine over a JSON snapshot file and touches no
// services. With -remote it asks a running assigner over NATS, and -commit
// -court puts the match on a court. Otherwise it reads the snapshot from
// Postgres at DATABASE_URL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rally/court-queue/internal/config"
	"github.com/rally/court-queue/internal/messaging"
	"github.com/rally/court-queue/internal/protocol"
	"github.com/rally/court-queue/internal/store"
	"github.com/rally/court-queue/internal/suggest"
)

type options struct {
	session  string
	kind     string
	snapshot string
	now      string
	explain  bool
	remote   bool
	commit   bool
	court    string
	timeout  time.Duration
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "suggest:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
	fs.StringVar(&o.session, "session", "", "session id")
	fs.StringVar(&o.kind, "type", "", "match type: singles or doubles (defaults to the session's game type)")
	fs.StringVar(&o.snapshot, "snapshot", "", "read the snapshot from this JSON file instead of Postgres")
	fs.StringVar(&o.now, "now", "", "evaluate at this RFC3339 time instead of the current time")
	fs.BoolVar(&o.explain, "explain", false, "print the outcome reason and eligible count")
	fs.BoolVar(&o.remote, "remote", false, "ask a running assigner over NATS")
	fs.BoolVar(&o.commit, "commit", false, "with -remote, commit the suggestion onto -court")
	fs.StringVar(&o.court, "court", "", "court id to commit onto")
	fs.DurationVar(&o.timeout, "timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.snapshot == "" && o.session == "" {
		return o, errors.New("-session or -snapshot is required")
	}
	if o.commit && (!o.remote || o.court == "") {
		return o, errors.New("-commit needs -remote and -court")
	}
	return o, nil
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	now := time.Now()
	if o.now != "" {
		now, err = time.Parse(time.RFC3339, o.now)
		if err != nil {
			return fmt.Errorf("invalid -now: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	switch {
	case o.snapshot != "":
		return runSnapshot(o, now, out)
	case o.remote:
		return runRemote(ctx, loadConfig(errOut), o, out)
	default:
		return runDatabase(ctx, loadConfig(errOut), o, now, out)
	}
}

func runSnapshot(o options, now time.Time, out io.Writer) error {
	data, err := os.ReadFile(o.snapshot)
	if err != nil {
		return err
	}
	var snap suggest.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	kind := o.kind
	if kind == "" {
		kind = snap.Session.GameType
	}
	return writeOutcome(out, suggest.Suggest(&snap, kind, now), o.explain)
}

// loadConfig reads the environment. Unparseable values are reported on errOut
// and replaced by their defaults.
func loadConfig(errOut io.Writer) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(errOut, "suggest: warning:", err)
	}
	return cfg
}

func runDatabase(ctx context.Context, cfg *config.Config, o options, now time.Time, out io.Writer) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	st := store.NewStore(db)
	kind := o.kind
	if kind == "" {
		if kind, err = st.SessionGameType(ctx, o.session); err != nil {
			return err
		}
	}

	s := suggest.New(st, zap.NewNop(), suggest.WithClock(func() time.Time { return now }))
	outcome, err := s.Explain(ctx, o.session, kind)
	if err != nil {
		return err
	}
	return writeOutcome(out, outcome, o.explain)
}

func runRemote(ctx context.Context, cfg *config.Config, o options, out io.Writer) error {
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "court-suggest-cli"

	nc, err := messaging.NewNATSClient(natsConfig, zap.NewNop())
	if err != nil {
		return err
	}
	defer nc.Close()

	req, err := protocol.NewMessage(protocol.TypeSuggestRequest, protocol.SuggestRequestMsg{
		SessionID: o.session,
		MatchType: o.kind,
		CourtID:   o.court,
		Commit:    o.commit,
	})
	if err != nil {
		return err
	}

	reply, err := nc.RequestSuggest(ctx, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(reply))
	return err
}

// writeOutcome writes the suggestion as JSON, or null when there is none. With
// explain the whole outcome is written.
func writeOutcome(out io.Writer, outcome suggest.Outcome, explain bool) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if explain {
		return enc.Encode(outcome)
	}
	return enc.Encode(outcome.Suggestion)
}
