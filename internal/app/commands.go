package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tendbot/internal/resource"
	kit "tendbot/internal/transport"
	logx "tendbot/pkg/logx"
)

func (a *App) handleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCallback:
		a.notif.HandleCallback(ctx, up.Callback)
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		a.handleCommand(ctx, up.Message)
	}
}

func (a *App) handleCommand(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// strip "@botname" suffix used in groups
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	var reply string
	switch cmd {
	case "/plant":
		reply = a.cmdCreate(ctx, resource.KindGrowing, m, args)
	case "/panel":
		reply = a.cmdCreate(ctx, resource.KindRecharging, m, args)
	case "/fertilize":
		reply = a.cmdService(ctx, resource.KindGrowing, m, args)
	case "/repair":
		reply = a.cmdService(ctx, resource.KindRecharging, m, args)
	case "/harvest":
		reply = a.cmdDone(ctx, resource.KindGrowing, m, args)
	case "/collect":
		reply = a.cmdDone(ctx, resource.KindRecharging, m, args)
	case "/plants":
		reply = a.cmdList(ctx, resource.KindGrowing)
	case "/panels":
		reply = a.cmdList(ctx, resource.KindRecharging)
	case "/log":
		reply = a.cmdLog(ctx, args)
	default:
		return
	}
	if reply == "" {
		return
	}

	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := a.adapter.SendText(ctx, to, reply, &kit.SendOptions{DisablePreview: true}); err != nil {
		a.log.Warn("command reply failed", logx.String("cmd", cmd), logx.Err(err))
	}
}

func (a *App) cmdCreate(ctx context.Context, kind resource.Kind, m *kit.Message, args []string) string {
	location := strings.Join(args, " ")
	if location == "" {
		return "❌ Usage: " + usageCreate(kind)
	}
	r, err := a.track.Create(ctx, kind, m.FromID, m.FromUsername, location)
	if err != nil {
		a.log.Warn("create failed", logx.String("kind", string(kind)), logx.Err(err))
		return "❌ Something went wrong, try again."
	}
	p := a.track.Profile(kind)
	if kind == resource.KindGrowing {
		return fmt.Sprintf("🌱 Plant #%d planted by %s at %s.\nFirst fertilizer reminder in %s.",
			r.ID, r.OwnerName, r.Location, fmtDur(p.FirstService))
	}
	return fmt.Sprintf("☀️ Solar panel #%d placed by %s at %s.\nRepair reminder in %s, battery every %s.",
		r.ID, r.OwnerName, r.Location, fmtDur(p.FirstService), fmtDur(p.CollectEvery))
}

func (a *App) cmdService(ctx context.Context, kind resource.Kind, m *kit.Message, args []string) string {
	id, ok := parseID(args)
	if !ok {
		return "❌ Usage: /" + a.track.Profile(kind).ServiceVerb + " <id>"
	}
	r, err := a.track.MarkServiced(ctx, kind, id, m.FromUsername)
	if err != nil {
		return a.explainErr(kind, id, err)
	}
	if kind == resource.KindGrowing {
		return fmt.Sprintf("💚 Plant #%d fertilized by %s.", r.ID, r.ServicedBy)
	}
	return fmt.Sprintf("🔧 Solar panel #%d repaired by %s.", r.ID, r.ServicedBy)
}

func (a *App) cmdDone(ctx context.Context, kind resource.Kind, m *kit.Message, args []string) string {
	if len(args) < 2 {
		if kind == resource.KindGrowing {
			return "❌ Usage: /harvest <id> <car>"
		}
		return "❌ Usage: /collect <id> <car>"
	}
	id, ok := parseID(args[:1])
	if !ok {
		return "❌ The id must be a number."
	}
	car := strings.Join(args[1:], " ")
	r, err := a.track.MarkTerminal(ctx, kind, id, m.FromUsername, car)
	if err != nil {
		return a.explainErr(kind, id, err)
	}
	if kind == resource.KindGrowing {
		return fmt.Sprintf("🌿 Plant #%d harvested by %s, stored in %s.", r.ID, r.TerminalBy, r.StorageRef)
	}
	return fmt.Sprintf("🔋 Battery from panel #%d collected by %s, stored in %s.", r.ID, r.TerminalBy, r.StorageRef)
}

func (a *App) cmdList(ctx context.Context, kind resource.Kind) string {
	rs, err := a.track.ListActive(ctx, kind)
	if err != nil {
		a.log.Warn("list failed", logx.String("kind", string(kind)), logx.Err(err))
		return "❌ Something went wrong, try again."
	}
	p := a.track.Profile(kind)
	if len(rs) == 0 {
		return fmt.Sprintf("No active %ss right now.", p.Noun)
	}

	var b strings.Builder
	if kind == resource.KindGrowing {
		b.WriteString("🌱 Active plants\n")
	} else {
		b.WriteString("☀️ Active solar panels\n")
	}
	for _, r := range rs {
		svc := "❌ not yet"
		if r.Serviced() {
			svc = "✅ by " + r.ServicedBy
		}
		fmt.Fprintf(&b, "#%d by %s at %s, %s: %s\n", r.ID, r.OwnerName, r.Location, pastTense(p.ServiceVerb), svc)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) cmdLog(ctx context.Context, args []string) string {
	limit := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			limit = n
		}
	}
	acts, err := a.track.Recent(ctx, limit)
	if err != nil {
		a.log.Warn("log query failed", logx.Err(err))
		return "❌ Something went wrong, try again."
	}
	if len(acts) == 0 {
		return "No activity recorded yet."
	}
	var b strings.Builder
	b.WriteString("📋 Recent activity\n")
	for _, act := range acts {
		fmt.Fprintf(&b, "%s %s a %s at %s (%s)\n",
			act.Actor, act.Action, act.Kind, act.Location, act.At.Format("02.01.2006 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) explainErr(kind resource.Kind, id int64, err error) string {
	p := a.track.Profile(kind)
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return fmt.Sprintf("❌ %s #%d not found.", titleNoun(p.Noun), id)
	case errors.Is(err, resource.ErrAlreadyTerminal):
		if kind == resource.KindGrowing {
			return fmt.Sprintf("❌ Plant #%d was already harvested.", id)
		}
		return fmt.Sprintf("❌ Panel #%d was already collected.", id)
	case errors.Is(err, resource.ErrAlreadyServiced):
		return fmt.Sprintf("✅ %s #%d was already %s.", titleNoun(p.Noun), id, pastTense(p.ServiceVerb))
	default:
		a.log.Warn("command failed", logx.String("kind", string(kind)), logx.Int64("id", id), logx.Err(err))
		return "❌ Something went wrong, try again."
	}
}

func usageCreate(kind resource.Kind) string {
	if kind == resource.KindGrowing {
		return "/plant <location>"
	}
	return "/panel <location>"
}

func parseID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func fmtDur(d time.Duration) string {
	s := d.String()
	s = strings.TrimSuffix(s, "0s")
	s = strings.TrimSuffix(s, "0m")
	if s == "" {
		return d.String()
	}
	return s
}

func pastTense(verb string) string {
	if verb == "" {
		return "serviced"
	}
	if strings.HasSuffix(verb, "e") {
		return verb + "d"
	}
	return verb + "ed"
}

func titleNoun(noun string) string {
	if noun == "" {
		return "Resource"
	}
	return strings.ToUpper(noun[:1]) + noun[1:]
}
