package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"chartbot/internal/automation"
	"chartbot/pkg/tgui"
)

const detailWidth = 60

func successf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf(format, args...))
}

func infof(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.OutOrStdout(), pterm.Info.Sprintf(format, args...))
}

func warnf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.ErrOrStderr(), pterm.Warning.Sprintf(format, args...))
}

func renderTable(w io.Writer, data pterm.TableData) error {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, s)
	return err
}

func renderSchedules(w io.Writer, list []automation.Schedule) error {
	data := pterm.TableData{{"ID", "NAME", "TARGET", "FREQ", "ENABLED", "TELEGRAM", "FILTERS", "LAST RUN", "NEXT RUN"}}
	for _, s := range list {
		data = append(data, []string{
			s.ID,
			s.Name,
			s.TargetRef,
			string(s.Frequency),
			yesNo(s.Enabled),
			telegramCell(s),
			filtersCell(s),
			relTime(s.LastRunAt),
			relTime(s.NextRunAt),
		})
	}
	return renderTable(w, data)
}

func renderJobLogs(w io.Writer, logs []automation.JobLog) error {
	data := pterm.TableData{{"STARTED", "STATUS", "SIGNAL", "PREVIOUS", "CHANGED", "MIN CONF", "SENT", "TOOK", "DETAIL"}}
	for _, jl := range logs {
		data = append(data, []string{
			humanize.Time(jl.StartedAt),
			statusCell(jl.Status),
			signalCell(jl.Action, jl.Confidence),
			actionCell(jl.PreviousAction),
			yesNo(jl.SignalChanged),
			yesNo(jl.MetMinConfidence),
			yesNo(jl.TelegramSent),
			tookCell(jl.DurationMs),
			detailCell(jl),
		})
	}
	return renderTable(w, data)
}

func renderReport(w io.Writer, rep automation.TickReport, took time.Duration) error {
	data := pterm.TableData{
		{"SELECTED", "ENQUEUED", "ALREADY RUNNING", "REJECTED", "TOOK"},
		{
			strconv.Itoa(rep.Selected),
			strconv.Itoa(rep.Enqueued),
			strconv.Itoa(rep.Overlapping),
			strconv.Itoa(rep.Rejected),
			took.Round(time.Millisecond).String(),
		},
	}
	return renderTable(w, data)
}

func renderRuns(w io.Writer, runs []scheduleRun) error {
	data := pterm.TableData{{"SCHEDULE", "TARGET", "STATUS", "SIGNAL", "SENT", "DETAIL", "NEXT RUN"}}
	for _, r := range runs {
		row := []string{r.schedule.ID, r.schedule.TargetRef, "-", "-", "-", "", relTime(r.schedule.NextRunAt)}
		if jl := r.last; jl != nil {
			row[2] = statusCell(jl.Status)
			row[3] = signalCell(jl.Action, jl.Confidence)
			row[4] = yesNo(jl.TelegramSent)
			row[5] = detailCell(*jl)
		}
		data = append(data, row)
	}
	return renderTable(w, data)
}

func relTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return humanize.Time(*t)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func telegramCell(s automation.Schedule) string {
	switch {
	case !s.SendToTelegram:
		return "off"
	case s.TelegramChatID != nil:
		return *s.TelegramChatID
	default:
		return "default"
	}
}

func filtersCell(s automation.Schedule) string {
	out := fmt.Sprintf(">=%d%%", s.MinConfidence)
	if s.OnlyOnSignalChange {
		out += " change-only"
	}
	if !s.SendOnHold {
		out += " no-hold"
	}
	return out
}

func statusCell(st automation.JobStatus) string {
	switch st {
	case automation.StatusSuccess:
		return pterm.Green(string(st))
	case automation.StatusFailed:
		return pterm.Red(string(st))
	case automation.StatusSkipped:
		return pterm.Yellow(string(st))
	}
	return pterm.Gray(string(st))
}

func signalCell(a *automation.Action, conf *int) string {
	if a == nil {
		return "-"
	}
	if conf == nil {
		return string(*a)
	}
	return fmt.Sprintf("%s %d%%", *a, *conf)
}

func actionCell(a *automation.Action) string {
	if a == nil {
		return "-"
	}
	return string(*a)
}

func tookCell(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

// detailCell shows why a run did not notify, or what went wrong.
func detailCell(jl automation.JobLog) string {
	var s string
	switch {
	case jl.ErrorMessage != nil:
		s = *jl.ErrorMessage
	case jl.SkipReason != nil:
		s = *jl.SkipReason
	case jl.TelegramError != nil:
		s = "telegram: " + *jl.TelegramError
	case jl.TelegramSent && jl.TelegramChatID != nil:
		s = "sent to " + *jl.TelegramChatID
	}
	return tgui.TruncRunes(s, detailWidth)
}
