package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crontick/internal/app"
	"crontick/internal/config"
	"crontick/internal/handler"
	"crontick/internal/scheduler"
	"crontick/internal/task"
	logx "crontick/pkg/logx"
)

// snapshot is a read-only view of the task file. Unlike the daemon it never
// creates missing files.
type snapshot struct {
	cfg      *config.Config
	loc      *time.Location
	views    []scheduler.TaskView
	handlers *handler.Registry
	extErr   error
}

func loadSnapshot(ctx context.Context, opts app.Options, now time.Time, n int) (*snapshot, error) {
	cfg, err := app.ManagerFor(opts).Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, err
		}
	}

	items := []any{}
	b, err := os.ReadFile(cfg.Path(cfg.Files.Tasks))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("task file %s: %w", cfg.Path(cfg.Files.Tasks), err)
		}
	}

	reg := handler.NewRegistry(
		handler.WithBaseDir(cfg.BaseDir),
		handler.WithPhraseFile(cfg.Files.Phrase),
		handler.WithLogger(logx.Nop()),
	)
	reg.SetExtensions(cfg.Extensions.Dir, app.Plugins(cfg))
	extErr := reg.ReloadExtensions(ctx)

	return &snapshot{
		cfg:      cfg,
		loc:      loc,
		views:    scheduler.Inspect(task.DecodeList(items), now.In(loc), n),
		handlers: reg,
		extErr:   extErr,
	}, nil
}

// problems lists every entry that can never run as written.
func (s *snapshot) problems() []string {
	var out []string
	if s.extErr != nil {
		out = append(out, "extensions: "+s.extErr.Error())
	}
	for _, v := range s.views {
		switch {
		case v.Reason != "":
			out = append(out, fmt.Sprintf("task %d: %s", v.Index, v.Reason))
		case v.CronError != "":
			out = append(out, fmt.Sprintf("task %d: cron %q: %s", v.Index, v.Cron, v.CronError))
		case v.Kind == task.KindScheduled.String():
			if _, ok := s.handlers.Resolve(v.Handler); !ok {
				out = append(out, fmt.Sprintf("task %d: unknown handler %q", v.Index, v.Handler))
			}
		}
	}
	return out
}

func newValidateCmd(opts func() app.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the settings and task file without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd.Context(), opts(), time.Now(), 1)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			writeTable(out, snap.views, snap.loc)
			probs := snap.problems()
			if len(probs) == 0 {
				fmt.Fprintf(out, "\n%d task(s) ok\n", len(snap.views))
				return nil
			}
			fmt.Fprintln(out)
			for _, p := range probs {
				fmt.Fprintln(out, "problem:", p)
			}
			return fmt.Errorf("%d problem(s) found", len(probs))
		},
	}
}

func newNextCmd(opts func() app.Options) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show upcoming run times for each scheduled task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if n < 1 || n > 100 {
				return fmt.Errorf("-n must be between 1 and 100, got %d", n)
			}
			snap, err := loadSnapshot(cmd.Context(), opts(), time.Now(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range snap.views {
				if v.Kind != task.KindScheduled.String() || v.CronError != "" {
					continue
				}
				fmt.Fprintf(out, "task %d  %s  %s  %s\n", v.Index, v.Cron, v.Handler, v.Title)
				if len(v.Next) == 0 {
					fmt.Fprintln(out, "  (never within a year)")
				}
				for _, t := range v.Next {
					fmt.Fprintln(out, " ", t.In(snap.loc).Format("Mon 2006-01-02 15:04 MST"))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 5, "matches to show per task")
	return cmd
}

func writeTable(w io.Writer, views []scheduler.TaskView, loc *time.Location) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tKIND\tCRON\tHANDLER\tNEXT\tTITLE")
	for _, v := range views {
		name, next := v.Handler, "-"
		if v.Directive != "" {
			name = v.Directive
		}
		if len(v.Next) > 0 {
			next = v.Next[0].In(loc).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", v.Index, v.Kind, orDash(v.Cron), orDash(name), next, v.Title)
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
