package filter

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dop251/goja"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/sirupsen/logrus"

	"filebrowser-cdc/internal/models"
)

// Config holds the exclusion rules. Every rule set can only exclude; an entry
// is kept when no rule set rejects it.
type Config struct {
	DenylistDirs     []string
	DenylistSuffixes []string
	IgnoreRules      []string // gitignore syntax
	Script           string   // path to a JavaScript predicate
}

// Chain decides which scanned entries are eligible for tracking
type Chain struct {
	dirs     mapset.Set[string]
	suffixes []string
	ignore   *gitignore.GitIgnore
	script   *scriptPredicate
	logger   *logrus.Logger
}

// NewChain builds a chain from configuration
func NewChain(cfg Config, logger *logrus.Logger) (*Chain, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	chain := &Chain{
		dirs:   mapset.NewThreadUnsafeSet[string](),
		logger: logger,
	}

	for _, d := range cfg.DenylistDirs {
		if d = strings.Trim(strings.TrimSpace(d), "/"); d != "" {
			chain.dirs.Add(d)
		}
	}

	suffixes := mapset.NewThreadUnsafeSet[string]()
	for _, s := range cfg.DenylistSuffixes {
		if s = strings.TrimSpace(s); s != "" {
			suffixes.Add(s)
		}
	}
	chain.suffixes = suffixes.ToSlice()
	sort.Strings(chain.suffixes)

	var lines []string
	for _, line := range cfg.IgnoreRules {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > 0 {
		chain.ignore = gitignore.CompileIgnoreLines(lines...)
	}

	if cfg.Script != "" {
		src, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read filter script: %w", err)
		}
		script, err := newScriptPredicate(cfg.Script, string(src), logger)
		if err != nil {
			return nil, fmt.Errorf("invalid filter script: %w", err)
		}
		chain.script = script
		logger.Infof("Loaded filter script: %s", cfg.Script)
	}

	logger.Debugf("Filter chain: %d denylisted dirs, %d suffixes, %d ignore rules, script=%t",
		chain.dirs.Cardinality(), len(chain.suffixes), len(lines), chain.script != nil)

	return chain, nil
}

// Keep reports whether the entry passes every rule set. It never fails: a
// script error is logged and the entry is kept.
func (c *Chain) Keep(entry models.RawEntry) bool {
	if c == nil {
		return true
	}
	if c.deniedDir(entry) {
		return false
	}
	for _, s := range c.suffixes {
		if strings.HasSuffix(entry.Path, s) {
			return false
		}
	}
	if c.ignore != nil {
		rel := strings.TrimPrefix(entry.Path, "/")
		if entry.IsDirectory {
			rel += "/"
		}
		if c.ignore.MatchesPath(rel) {
			return false
		}
	}
	if c.script != nil {
		keep, err := c.script.keep(entry)
		if err != nil {
			c.logger.Warnf("Filter script failed for %s, keeping entry: %v", entry.Path, err)
			return true
		}
		return keep
	}
	return true
}

// deniedDir reports whether any path segment, the entry's own name included,
// is a denylisted directory name
func (c *Chain) deniedDir(entry models.RawEntry) bool {
	if c.dirs.Cardinality() == 0 {
		return false
	}
	for _, seg := range strings.Split(strings.Trim(entry.Path, "/"), "/") {
		if c.dirs.Contains(seg) {
			return true
		}
	}
	return false
}

// Validate checks filter configuration before any chain is built
func Validate(cfg Config) error {
	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("filter script file not found: %s", cfg.Script)
		}
	}
	for i, line := range cfg.IgnoreRules {
		if strings.TrimSpace(line) == "!" {
			return fmt.Errorf("ignore rule %d: negation without a pattern", i)
		}
	}
	return nil
}

// scriptPredicate runs a user supplied JavaScript function for every entry.
// goja runtimes are not thread-safe, so calls are serialized.
type scriptPredicate struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	fn     goja.Callable
	logger *logrus.Logger
}

func newScriptPredicate(name, src string, logger *logrus.Logger) (*scriptPredicate, error) {
	program, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	p := &scriptPredicate{vm: goja.New(), logger: logger}
	if err := p.setupConsoleBindings(); err != nil {
		return nil, err
	}

	// The script is either an anonymous function expression or declares a
	// function named keep.
	result, err := p.vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	var ok bool
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		p.fn, ok = goja.AssertFunction(result)
	}
	if !ok {
		if v := p.vm.Get("keep"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			p.fn, ok = goja.AssertFunction(v)
		}
	}
	if !ok {
		return nil, fmt.Errorf("script must evaluate to a function or declare a function named 'keep'")
	}

	return p, nil
}

func (p *scriptPredicate) keep(entry models.RawEntry) (keep bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()

	modified := ""
	if !entry.ModifiedAt.IsZero() {
		modified = entry.ModifiedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	obj := p.vm.ToValue(map[string]interface{}{
		"path":        entry.Path,
		"name":        entry.Name,
		"size":        entry.Size,
		"modifiedAt":  modified,
		"isDirectory": entry.IsDirectory,
	})

	result, err := p.fn(goja.Undefined(), obj)
	if err != nil {
		return true, err
	}
	// null and undefined are falsy, so they exclude as well
	return result.ToBoolean(), nil
}

// setupConsoleBindings routes console.* to the logger
func (p *scriptPredicate) setupConsoleBindings() error {
	console := p.vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   p.logger.Info,
		"info":  p.logger.Info,
		"warn":  p.logger.Warn,
		"error": p.logger.Error,
		"debug": p.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := console.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := p.vm.Set("console", console); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}
