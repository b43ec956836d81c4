// Package cli implements progressctl, a local command line client for a
// progression profile stored in a SQLite file.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stillpoint/progression/internal/application/engine"
	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/kvstore"
	"github.com/stillpoint/progression/internal/infrastructure/persistence/sqlite"
	"github.com/stillpoint/progression/pkg/logger"
	"github.com/stillpoint/progression/pkg/timeutil"
)

var (
	okColor      = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	celebrate    = color.New(color.FgMagenta, color.Bold)
	dimColor     = color.New(color.Faint)
	headingColor = color.New(color.FgCyan, color.Bold)
)

// options are the persistent flags shared by every command.
type options struct {
	dbPath   string
	userID   string
	timezone string
	catalog  string
	verbose  bool

	clock timeutil.Clock
	out   io.Writer
}

// session is one opened profile.
type session struct {
	engine  *engine.Engine
	catalog *progression.Catalog
	db      *sqlite.Store
	out     io.Writer
}

func (s *session) Close() error {
	return s.db.Close()
}

// NewRootCmd builds the progressctl command tree writing to out.
// A nil clock uses the system clock.
func NewRootCmd(out io.Writer, clock timeutil.Clock) *cobra.Command {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	opts := &options{clock: clock, out: out}

	root := &cobra.Command{
		Use:   "progressctl",
		Short: "Inspect and drive a local Stillpoint progression profile",
		Long: `progressctl reads and updates achievements, badges, XP and streaks
of a profile kept in a local SQLite file, the same store the app uses on device.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	root.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDBPath(), "SQLite database file")
	root.PersistentFlags().StringVarP(&opts.userID, "user", "u", "", "user id (empty selects the default profile)")
	root.PersistentFlags().StringVar(&opts.timezone, "timezone", envOr("APP_TIMEZONE", "UTC"), "time zone that defines streak days")
	root.PersistentFlags().StringVar(&opts.catalog, "catalog", os.Getenv("CATALOG_PATH"), "catalog YAML file (default: built-in)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(showCmd(opts))
	root.AddCommand(achievementCmd(opts))
	root.AddCommand(badgeCmd(opts))
	root.AddCommand(consistencyCmd(opts))
	root.AddCommand(xpCmd(opts))
	root.AddCommand(checkinCmd(opts))
	root.AddCommand(streakCmd(opts))
	root.AddCommand(resetCmd(opts))
	root.AddCommand(catalogCmd(opts))
	root.AddCommand(hashKeyCmd(opts))

	return root
}

// open loads the catalog, opens the database and builds the engine for the
// selected user. Events are printed as they happen.
func (o *options) open(ctx context.Context) (*session, error) {
	cat, err := o.loadCatalog()
	if err != nil {
		return nil, err
	}

	cal, err := timeutil.LoadCalendar(o.timezone)
	if err != nil {
		return nil, err
	}

	uid, err := shared.NewUserID(o.userID)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(ctx, o.dbPath)
	if err != nil {
		return nil, err
	}

	log := logger.Discard()
	if o.verbose {
		log = logger.New(logger.Options{Output: os.Stderr, Level: logger.LevelDebug})
	}

	e, err := engine.New(ctx, uid, engine.Config{
		Catalog:  cat,
		Store:    kvstore.New(db, cat, log),
		Calendar: cal,
		Clock:    o.clock,
		Listener: engine.ListenerFunc(func(_ context.Context, event shared.Event) {
			printEvent(o.out, event)
		}),
		Logger: log,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &session{engine: e, catalog: cat, db: db, out: o.out}, nil
}

func (o *options) loadCatalog() (*progression.Catalog, error) {
	if o.catalog == "" {
		return progression.DefaultCatalog()
	}
	return progression.LoadCatalogFile(o.catalog)
}

// withSession opens a session for the duration of fn.
func (o *options) withSession(cmd *cobra.Command, fn func(s *session) error) error {
	s, err := o.open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// printEvent renders celebration events prominently and the rest dimmed.
func printEvent(out io.Writer, event shared.Event) {
	switch e := event.(type) {
	case shared.AchievementUnlockedEvent:
		celebrate.Fprintf(out, "★ Achievement unlocked: %s (+%d XP)\n", e.Title, e.XPAwarded)
	case shared.BadgeLeveledUpEvent:
		celebrate.Fprintf(out, "◆ Badge %s reached %s\n", e.Title, tierName(e.NewLevel))
	case shared.LevelUpEvent:
		celebrate.Fprintf(out, "▲ Level up! %d → %d\n", e.OldLevel, e.NewLevel)
	case shared.XPGainedEvent:
		dimColor.Fprintf(out, "  +%d XP (%s)\n", e.Amount, e.Source)
	case shared.StreakBrokenEvent:
		warnColor.Fprintf(out, "  %s streak of %d broken after %d missed day(s)\n", e.Streak, e.PreviousStreak, e.DaysMissed)
	case shared.StreakUpdatedEvent:
		dimColor.Fprintf(out, "  %s streak: %d\n", e.Streak, e.Count)
	case shared.ProgressResetEvent:
		warnColor.Fprintln(out, "  profile reset")
	}
}

func tierName(level int) string {
	switch level {
	case 1:
		return "bronze"
	case 2:
		return "silver"
	case 3:
		return "gold"
	default:
		return "none"
	}
}

func defaultDBPath() string {
	if p := os.Getenv("SQLITE_PATH"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "stillpoint.db"
	}
	return filepath.Join(home, ".stillpoint", "progress.db")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseStreak(arg string) (shared.StreakName, error) {
	name, err := shared.NewStreakName(arg)
	if err != nil {
		return "", fmt.Errorf("%q: %w", arg, err)
	}
	return name, nil
}
