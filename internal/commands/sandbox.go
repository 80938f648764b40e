package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/novamd/bridge-server-go/internal/model"
)

// hookInterval is the number of VM instructions between budget checks.
const hookInterval = 1000

// removedGlobals are base library functions that reach outside the sandbox.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage", "print"}

var errBudget = errors.New("script exceeded its instruction budget")

type scriptLimits struct {
	Instructions int
	Timeout      time.Duration
}

// newSandbox opens a state with only the base, string, table and math libraries.
func newSandbox() *lua.State {
	l := lua.NewState()
	libs := []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	}
	for _, lib := range libs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range removedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}
	return l
}

// pushContext exposes the invocation as the global table "ctx".
func pushContext(l *lua.State, cmd model.CommandContext) {
	l.NewTable()
	l.PushString(cmd.Name)
	l.SetField(-2, "command")
	l.PushString(cmd.Sender)
	l.SetField(-2, "sender")
	l.PushString(cmd.Chat)
	l.SetField(-2, "chat")
	l.PushBoolean(cmd.IsOwner)
	l.SetField(-2, "is_owner")
	l.PushBoolean(cmd.IsGroup)
	l.SetField(-2, "is_group")

	l.NewTable()
	for i, arg := range cmd.Args {
		l.PushString(arg)
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "args")
	l.SetGlobal("ctx")
}

// runScript executes src and returns its result converted to a string.
// The script is aborted once it exceeds the instruction budget or the deadline.
func runScript(ctx context.Context, name, src string, cmd model.CommandContext, limits scriptLimits) (result string, err error) {
	l := newSandbox()
	pushContext(l, cmd)

	deadline := time.Now().Add(limits.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	executed := 0
	var abort error
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		executed += hookInterval
		switch {
		case limits.Instructions > 0 && executed > limits.Instructions:
			abort = errBudget
		case time.Now().After(deadline):
			abort = context.DeadlineExceeded
		default:
			return
		}
		lua.Errorf(l, "%s", abort.Error())
	}, lua.MaskCount, hookInterval)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script %s panicked: %v", name, rec)
		}
	}()

	if err := lua.LoadBuffer(l, src, name, "t"); err != nil {
		return "", fmt.Errorf("load %s: %w", name, err)
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		if abort != nil {
			return "", abort
		}
		return "", fmt.Errorf("run %s: %w", name, err)
	}
	if l.IsNil(-1) {
		return "", nil
	}
	out, ok := l.ToString(-1)
	if !ok {
		return "", fmt.Errorf("script %s returned a %s, want a string", name, lua.TypeNameOf(l, -1))
	}
	return out, nil
}
