package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stillpoint/progression/internal/domain/progression"
	"github.com/stillpoint/progression/internal/domain/shared"
	"github.com/stillpoint/progression/internal/interface/http/handlers"
)

// ──────────────────────────────────────────────────────────────────────────────
// show
// ──────────────────────────────────────────────────────────────────────────────

func showCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show level, XP, achievements and badges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locked, _ := cmd.Flags().GetBool("locked")
			return opts.withSession(cmd, func(s *session) error {
				printProfile(s, locked)
				return nil
			})
		},
	}
	cmd.Flags().Bool("locked", true, "include locked achievements")
	return cmd
}

func printProfile(s *session, includeLocked bool) {
	p := s.engine.Snapshot()
	out := s.out

	headingColor.Fprintf(out, "Profile %s\n", p.UserID)
	fmt.Fprintf(out, "  Level %d  %d/%d XP\n\n",
		p.Level(), p.XP(), progression.LevelThreshold(p.Level()))

	headingColor.Fprintf(out, "Achievements (%d/%d)\n", p.UnlockedCount(), len(p.Achievements))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, a := range p.Achievements {
		if !a.IsUnlocked && !includeLocked {
			continue
		}
		status := dimColor.Sprint("·")
		if a.IsUnlocked {
			status = okColor.Sprint("✓")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\n", status, a.ID, a.Title, min(a.Progress, a.Goal), a.Goal)
	}
	_ = w.Flush()

	fmt.Fprintln(out)
	headingColor.Fprintln(out, "Badges")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, b := range p.Badges {
		next := "max"
		if !b.IsMaxed() {
			next = strconv.Itoa(b.NextThreshold())
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d → %s\n", b.ID, b.Title, tierLabel(b.Level), b.Progress, next)
	}
	_ = w.Flush()
}

func tierLabel(level int) string {
	name := tierName(level)
	switch level {
	case 3:
		return warnColor.Sprint(name)
	case 0:
		return dimColor.Sprint(name)
	default:
		return okColor.Sprint(name)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// achievement / badge / xp
// ──────────────────────────────────────────────────────────────────────────────

func achievementCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "achievement <id>",
		Short: "Add progress to an achievement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetInt("amount")
			if amount < 0 {
				return fmt.Errorf("amount must not be negative")
			}
			return opts.withSession(cmd, func(s *session) error {
				id := args[0]
				if _, ok := s.catalog.AchievementTemplate(id); !ok {
					return fmt.Errorf("%q: %w", id, shared.ErrAchievementNotFound)
				}
				if !s.engine.IncrementAchievement(cmd.Context(), id, amount) {
					a, _ := s.engine.Achievement(id)
					if a.IsUnlocked {
						dimColor.Fprintf(s.out, "%s already unlocked\n", id)
					} else {
						fmt.Fprintf(s.out, "%s: %d/%d\n", id, a.Progress, a.Goal)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("amount", "n", 1, "progress to add")
	return cmd
}

func badgeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "badge <id>",
		Short: "Add progress to a badge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, _ := cmd.Flags().GetInt("amount")
			if amount < 0 {
				return fmt.Errorf("amount must not be negative")
			}
			return opts.withSession(cmd, func(s *session) error {
				id := args[0]
				if _, ok := s.catalog.BadgeTemplate(id); !ok {
					return fmt.Errorf("%q: %w", id, shared.ErrBadgeNotFound)
				}
				leveled, level := s.engine.IncrementBadge(cmd.Context(), id, amount)
				if !leveled {
					b, _ := s.engine.Badge(id)
					fmt.Fprintf(s.out, "%s: %s, %d progress\n", id, tierName(level), b.Progress)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntP("amount", "n", 1, "progress to add")
	return cmd
}

func consistencyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consistency <streak-length>",
		Short: "Set a consistency badge from a streak length",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streak, err := parseCount(args[0])
			if err != nil {
				return err
			}
			badgeID, _ := cmd.Flags().GetString("badge")
			return opts.withSession(cmd, func(s *session) error {
				var changed bool
				if badgeID == "" {
					changed = s.engine.UpdateConsistency(cmd.Context(), streak)
				} else {
					changed = s.engine.UpdateConsistencyBadge(cmd.Context(), badgeID, streak)
				}
				if !changed {
					dimColor.Fprintln(s.out, "no change")
				}
				return nil
			})
		},
	}
	cmd.Flags().String("badge", "", "consistency badge id (default: first in catalog)")
	return cmd
}

func xpCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "xp <amount>",
		Short: "Grant XP directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseCount(args[0])
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(s *session) error {
				s.engine.AddXP(cmd.Context(), amount)
				fmt.Fprintf(s.out, "Level %d, %d/%d XP\n",
					s.engine.Level(), s.engine.XP(), progression.LevelThreshold(s.engine.Level()))
				return nil
			})
		},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// streaks
// ──────────────────────────────────────────────────────────────────────────────

func checkinCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <streak>",
		Short: "Record today's activity for a streak",
		Long: `checkin records activity for the current day in the configured time zone.
If the catalog binds a consistency badge to the streak, the badge is updated too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseStreak(args[0])
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(s *session) error {
				res := s.engine.CheckIn(cmd.Context(), name)
				if !res.Changed {
					dimColor.Fprintf(s.out, "%s already recorded today (%d)\n", name, res.Count)
				}
				return nil
			})
		},
	}
}

func streakCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streak <name>",
		Short: "Show or reset a streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseStreak(args[0])
			if err != nil {
				return err
			}
			reset, _ := cmd.Flags().GetBool("reset")
			return opts.withSession(cmd, func(s *session) error {
				if reset {
					s.engine.ResetStreak(cmd.Context(), name)
					warnColor.Fprintf(s.out, "%s streak cleared\n", name)
					return nil
				}
				st := s.engine.Streak(cmd.Context(), name)
				last := st.LastActiveDate
				if last == "" {
					last = "never"
				}
				fmt.Fprintf(s.out, "%s: %d (last active %s)\n", name, st.Count, last)
				return nil
			})
		},
	}
	cmd.Flags().Bool("reset", false, "clear the streak")
	return cmd
}

// ──────────────────────────────────────────────────────────────────────────────
// reset / catalog / hash-key
// ──────────────────────────────────────────────────────────────────────────────

func resetCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset all progress of the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			return opts.withSession(cmd, func(s *session) error {
				s.engine.ResetAll(cmd.Context())
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the reset")
	return cmd
}

func catalogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List catalog achievements and badges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			out := opts.out

			headingColor.Fprintln(out, "Achievements")
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, a := range cat.AchievementTemplates() {
				fmt.Fprintf(w, "  %s\t%s\tgoal %d\t+%d XP\n", a.ID, a.Title, a.Goal, cat.AchievementXP(a.ID))
			}
			_ = w.Flush()

			fmt.Fprintln(out)
			headingColor.Fprintln(out, "Badges")
			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, b := range cat.BadgeTemplates() {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t+%d XP\n", b.ID, b.Title, b.Kind, milestoneLabel(b), cat.BadgeXP(b.ID))
			}
			return w.Flush()
		},
	}
}

func milestoneLabel(b progression.Badge) string {
	if len(b.Milestones) == 0 {
		return fmt.Sprintf("goal %d", b.Goal)
	}
	parts := make([]string, len(b.Milestones))
	for i, m := range b.Milestones {
		parts[i] = strconv.Itoa(m)
	}
	return strings.Join(parts, "/")
}

func hashKeyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash of an admin API key for HTTP_ADMIN_KEY_HASHES",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handlers.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.out, hash)
			return nil
		},
	}
}

func parseCount(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%q is not a non-negative integer", arg)
	}
	return n, nil
}
