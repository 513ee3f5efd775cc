package host

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jllopis/rtfscore/pkg/effect"
	rterrors "github.com/jllopis/rtfscore/pkg/errors"
	"github.com/jllopis/rtfscore/pkg/value"
)

type patternHandler struct {
	pattern string
	fn      HandlerFunc
}

// LocalHost serves capabilities implemented as Go functions. Symbols are
// registered exactly or as path.Match globs ("fs.*"); exact entries win,
// then patterns in registration order.
type LocalHost struct {
	mu       sync.RWMutex
	exact    map[string]HandlerFunc
	patterns []patternHandler
}

// NewLocalHost creates an empty registry.
func NewLocalHost() *LocalHost {
	return &LocalHost{exact: make(map[string]HandlerFunc)}
}

// Register binds symbol (or a glob) to fn.
func (l *LocalHost) Register(symbol string, fn HandlerFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.ContainsAny(symbol, "*?[") {
		for i, p := range l.patterns {
			if p.pattern == symbol {
				l.patterns[i].fn = fn
				return
			}
		}
		l.patterns = append(l.patterns, patternHandler{pattern: symbol, fn: fn})
		return
	}
	l.exact[symbol] = fn
}

// Symbols returns the registered symbols and patterns, sorted.
func (l *LocalHost) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.exact)+len(l.patterns))
	for k := range l.exact {
		out = append(out, k)
	}
	for _, p := range l.patterns {
		out = append(out, p.pattern)
	}
	sort.Strings(out)
	return out
}

// Handles reports whether a handler is registered for symbol.
func (l *LocalHost) Handles(symbol string) bool {
	return l.lookup(symbol) != nil
}

// Handle runs the handler registered for the call's symbol.
func (l *LocalHost) Handle(ctx context.Context, call effect.HostCall) (value.Value, error) {
	fn := l.lookup(call.FnSymbol)
	if fn == nil {
		return nil, rterrors.Newf(rterrors.CodeNotFound, "no local handler for %s", call.FnSymbol).
			WithRecoverable(false)
	}
	return fn(ctx, call.Args)
}

func (l *LocalHost) lookup(symbol string) HandlerFunc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fn, ok := l.exact[symbol]; ok {
		return fn
	}
	for _, p := range l.patterns {
		if ok, err := path.Match(p.pattern, symbol); err == nil && ok {
			return p.fn
		}
	}
	return nil
}

// RegisterStandard installs the small set of capabilities every session
// gets: echo, clock, uuid, sleep and logging.
func RegisterStandard(l *LocalHost, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.Register("capability.echo", func(_ context.Context, args []value.Value) (value.Value, error) {
		switch len(args) {
		case 0:
			return value.Nil{}, nil
		case 1:
			return args[0], nil
		default:
			return append(value.Vector{}, args...), nil
		}
	})
	l.Register("now", func(context.Context, []value.Value) (value.Value, error) {
		return value.Timestamp(time.Now().UTC().Format(time.RFC3339Nano)), nil
	})
	l.Register("capability.uuid", func(context.Context, []value.Value) (value.Value, error) {
		return value.UUID(uuid.NewString()), nil
	})
	l.Register("sleep", func(ctx context.Context, args []value.Value) (value.Value, error) {
		if len(args) != 1 {
			return nil, rterrors.Newf(rterrors.CodeInvalidInput, "sleep: expected milliseconds").WithRecoverable(false)
		}
		ms, ok := args[0].(value.Int)
		if !ok || ms < 0 {
			return nil, rterrors.Newf(rterrors.CodeInvalidInput, "sleep: expected a non-negative int").WithRecoverable(false)
		}
		timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, rterrors.New(rterrors.CodeTimeout, "sleep interrupted", ctx.Err())
		case <-timer.C:
			return value.Nil{}, nil
		}
	})
	logFn := func(ctx context.Context, args []value.Value) (value.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			if s, ok := a.(value.String); ok {
				parts[i] = string(s)
				continue
			}
			parts[i] = value.OrNil(a).String()
		}
		logger.InfoContext(ctx, "rtfs.log", slog.String("message", strings.Join(parts, " ")))
		return value.Nil{}, nil
	}
	l.Register("log", logFn)
	l.Register("println", logFn)
}

var _ Resolver = (*LocalHost)(nil)
