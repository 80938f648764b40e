package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/socket"
	"github.com/novamd/bridge-server-go/internal/util"
)

const commandTimeout = 30 * time.Second

type builtin func(r *Registry, ctx context.Context, cmd model.CommandContext) string

var builtins = map[string]builtin{
	"silent":   (*Registry).cmdSilent,
	"private":  (*Registry).cmdPrivate,
	"allow":    (*Registry).cmdAllow,
	"deny":     (*Registry).cmdDeny,
	"settings": (*Registry).cmdSettings,
	"help":     (*Registry).cmdHelp,
}

// userPart strips the server and device parts of an address: "1555:3@s.whatsapp.net" -> "1555".
func userPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}

// parseCommand splits "<prefix>name arg..." into a lower-case name and its args.
func parseCommand(text, prefix string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func (r *Registry) onMessage(id string, msg socket.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	r.touch(ctx, id)

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.sock == nil {
		r.mu.Unlock()
		return
	}
	sock, userID := s.sock, s.UserID
	r.mu.Unlock()

	if msg.Text == "" {
		return
	}
	// Direct chats, mentions and the owner's own messages reach the bot.
	if msg.IsGroup && !msg.Mentioned && !msg.FromMe {
		return
	}
	name, args, ok := parseCommand(msg.Text, r.opts.CommandPrefix)
	if !ok {
		return
	}

	self := userPart(sock.SelfID())
	sender := userPart(msg.Sender)
	isOwner := msg.FromMe || (self != "" && sender == self)
	pref := r.prefs.Get(ctx, userID)

	reply := func(text string) {
		if text == "" {
			return
		}
		if err := sock.SendMessage(ctx, msg.Chat, text); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("failed to send command reply")
		}
	}

	if !isOwner && !pref.Allows(sender) {
		r.metrics.CommandDispatched("refused")
		if !pref.SilentMode {
			reply("🔒 This bot is in private mode.")
		}
		return
	}

	cmd := model.CommandContext{
		Name:      name,
		Args:      args,
		UserID:    userID,
		SessionID: id,
		Chat:      msg.Chat,
		Sender:    sender,
		IsOwner:   isOwner,
		IsGroup:   msg.IsGroup,
	}

	if fn, ok := builtins[name]; ok {
		if !isOwner {
			r.metrics.CommandDispatched("refused")
			if !pref.SilentMode {
				reply("⛔ Only the owner can use this command.")
			}
			return
		}
		r.metrics.CommandDispatched("builtin")
		reply(fn(r, ctx, cmd))
		return
	}

	if r.dispatcher == nil {
		return
	}
	text, handled, err := r.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", id).Str("command", name).Msg("custom command failed")
		r.metrics.CommandDispatched("error")
		if !pref.SilentMode {
			reply("⚠️ That command failed.")
		}
		return
	}
	if !handled {
		return
	}
	r.metrics.CommandDispatched("custom")
	reply(text)
}

// parseToggle reads on/off, flipping current when no argument is given.
func parseToggle(args []string, current bool) (bool, bool) {
	if len(args) == 0 {
		return !current, true
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes", "1":
		return true, true
	case "off", "false", "no", "0":
		return false, true
	}
	return false, false
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func (r *Registry) cmdSilent(ctx context.Context, cmd model.CommandContext) string {
	current := r.prefs.Get(ctx, cmd.UserID)
	on, ok := parseToggle(cmd.Args, current.SilentMode)
	if !ok {
		return fmt.Sprintf("Usage: %ssilent [on|off]", r.opts.CommandPrefix)
	}
	r.prefs.SetSilent(ctx, cmd.UserID, on)
	if on {
		return "🔇 Silent mode on. Refusals will no longer be answered."
	}
	return "🔊 Silent mode off."
}

func (r *Registry) cmdPrivate(ctx context.Context, cmd model.CommandContext) string {
	current := r.prefs.Get(ctx, cmd.UserID)
	on, ok := parseToggle(cmd.Args, current.PrivateMode)
	if !ok {
		return fmt.Sprintf("Usage: %sprivate [on|off]", r.opts.CommandPrefix)
	}
	pref := r.prefs.SetPrivate(ctx, cmd.UserID, on)
	if !on {
		return "🔓 Private mode off. Everyone can use commands."
	}
	if len(pref.AllowList) == 0 {
		return fmt.Sprintf("🔒 Private mode on. Only you can use commands. Add people with %sallow <number>.", r.opts.CommandPrefix)
	}
	return "🔒 Private mode on. Allowed: " + strings.Join(pref.AllowList, ", ")
}

// normalizeAllowID accepts "all", a phone number or a full address.
func normalizeAllowID(raw string) (string, bool) {
	if strings.EqualFold(raw, model.AllowAll) {
		return model.AllowAll, true
	}
	if strings.Contains(raw, "@") {
		return userPart(raw), true
	}
	return util.NormalizePhone(raw)
}

func (r *Registry) cmdAllow(ctx context.Context, cmd model.CommandContext) string {
	if len(cmd.Args) == 0 {
		return fmt.Sprintf("Usage: %sallow <number|all>", r.opts.CommandPrefix)
	}
	id, ok := normalizeAllowID(strings.Join(cmd.Args, ""))
	if !ok {
		return "❌ That does not look like a phone number with country code."
	}
	r.prefs.Allow(ctx, cmd.UserID, id)
	if id == model.AllowAll {
		return "✅ Everyone is allowed to use commands."
	}
	return "✅ Allowed " + id
}

func (r *Registry) cmdDeny(ctx context.Context, cmd model.CommandContext) string {
	if len(cmd.Args) == 0 {
		return fmt.Sprintf("Usage: %sdeny <number>", r.opts.CommandPrefix)
	}
	id, ok := normalizeAllowID(strings.Join(cmd.Args, ""))
	if !ok {
		return "❌ That does not look like a phone number with country code."
	}
	r.prefs.Deny(ctx, cmd.UserID, id)
	return "🚫 Removed " + id
}

func (r *Registry) cmdSettings(ctx context.Context, cmd model.CommandContext) string {
	pref := r.prefs.Get(ctx, cmd.UserID)
	allowed := "nobody"
	if len(pref.AllowList) > 0 {
		allowed = strings.Join(pref.AllowList, ", ")
	}
	return fmt.Sprintf("⚙️ Settings\n\nSilent mode: %s\nPrivate mode: %s\nAllowed: %s",
		onOff(pref.SilentMode), onOff(pref.PrivateMode), allowed)
}

func (r *Registry) cmdHelp(ctx context.Context, cmd model.CommandContext) string {
	p := r.opts.CommandPrefix
	var b strings.Builder
	b.WriteString("📖 Commands\n\n")
	fmt.Fprintf(&b, "%ssilent [on|off]\n%sprivate [on|off]\n%sallow <number|all>\n%sdeny <number>\n%ssettings\n%shelp\n", p, p, p, p, p, p)

	if r.dispatcher == nil {
		return b.String()
	}
	infos := r.dispatcher.Describe()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Category != infos[j].Category {
			return infos[i].Category < infos[j].Category
		}
		return infos[i].Name < infos[j].Name
	})
	category := ""
	for _, info := range infos {
		if info.Category != category {
			category = info.Category
			fmt.Fprintf(&b, "\n%s\n", strings.ToUpper(category))
		}
		fmt.Fprintf(&b, "%s%s  %s\n", p, info.Name, info.Description)
	}
	return b.String()
}
