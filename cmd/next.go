package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"sleepwake/internal/config"
	"sleepwake/internal/scheduler"
	"sleepwake/internal/timeofday"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type fire struct {
	Event string
	At    time.Time
}

func newNextCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the upcoming sleep and wake times for the current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := config.NewStore(a.env.SettingsFile, nil, a.logger)
			if err := store.Load(); err != nil {
				return err
			}
			now := time.Now().In(a.env.Timezone)
			fires, err := upcoming(store.Snapshot(), a.resolver(), now, count)
			printFires(cmd.OutOrStdout(), fires)
			return err
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "occurrences to list per event")
	return cmd
}

// upcoming lists the next count occurrences of each event after now, in
// time order. An event whose time does not resolve is left out and its
// error returned.
func upcoming(s config.Settings, resolver *timeofday.Resolver, now time.Time, count int) ([]fire, error) {
	schedules := map[string]timeofday.Schedule{
		scheduler.EventSleep: s.SleepSchedule(),
		scheduler.EventWake:  s.WakeSchedule(),
	}

	var fires []fire
	var errs error
	for event, sched := range schedules {
		from := now
		for i := 0; i < count; i++ {
			at, err := resolver.ResolveSchedule(sched, from)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", event, err))
				break
			}
			fires = append(fires, fire{Event: event, At: at})
			from = at
		}
	}

	sort.Slice(fires, func(i, j int) bool {
		if fires[i].At.Equal(fires[j].At) {
			return fires[i].Event < fires[j].Event
		}
		return fires[i].At.Before(fires[j].At)
	})
	return fires, errs
}

func printFires(w io.Writer, fires []fire) {
	for _, f := range fires {
		fmt.Fprintf(w, "  %-6s %s (%s)\n", f.Event, f.At.Format("Mon 2006-01-02 15:04 MST"), f.At.Weekday())
	}
}
