package automation

import (
	"fmt"
	"strings"

	"chartbot/pkg/tgui"
)

var actionIcon = map[Action]string{
	ActionBuy:  "🟢",
	ActionSell: "🔴",
	ActionHold: "⚪",
}

// RenderMessage builds the Telegram HTML notification for a dispatched signal.
func RenderMessage(s Schedule, sig Signal, d Decision, previous *Action) string {
	title := strings.TrimSpace(s.Name)
	if title == "" {
		title = s.TargetRef
	}

	prev := "none"
	if previous != nil {
		prev = string(*previous)
	}
	change := "unchanged"
	if d.SignalChanged {
		change = "changed"
	}

	lines := []tgui.H{
		tgui.Raw(actionIcon[sig.Action] + " " + tgui.B(title).String()),
		tgui.Raw(tgui.B("Target:").String() + " " + tgui.Code(s.TargetRef).String()),
		tgui.KV("Signal", string(sig.Action)),
		tgui.KV("Confidence", fmt.Sprintf("%d%%", sig.Confidence)),
		tgui.KV("Previous", prev+" ("+change+")"),
		tgui.KV("Frequency", string(s.Frequency)),
	}
	if sig.AnalysisID != "" {
		lines = append(lines, tgui.I("analysis "+sig.AnalysisID))
	}
	return tgui.Lines(lines...).String()
}
