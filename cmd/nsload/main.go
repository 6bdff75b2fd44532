// Copyright 2024 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The nsload command runs a unit of the namespace dialect of
// Starlark, loading the namespaces it requires from a search path.
// With no arguments, it starts a read-eval-print loop (REPL), or runs
// standard input if that is not a terminal.
//
// Settings are read from nsload.yaml in the current directory or one
// of its parents, or from the file named by -config; flags override
// the file.
package main // import "github.com/nsload/nsload/cmd/nsload"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"

	"github.com/nsload/nsload/internal/config"
	"github.com/nsload/nsload/internal/filelock"
	"github.com/nsload/nsload/loader"
	"github.com/nsload/nsload/registry"
	"github.com/nsload/nsload/repl"
	"github.com/nsload/nsload/sources"
	"github.com/nsload/nsload/starlarkns"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"golang.org/x/term"
)

// flags
var (
	cpuprofile = flag.String("cpuprofile", "", "gather Go CPU profile in this file")
	memprofile = flag.String("memprofile", "", "gather Go memory profile in this file")
	profile    = flag.String("profile", "", "gather Starlark time profile in this file")
	showenv    = flag.Bool("showenv", false, "on success, print final global environment")
	execprog   = flag.String("c", "", "execute program `prog`")
	configFile = flag.String("config", "", "read settings from `file` instead of searching for "+config.FileName)
	pathFlag   = flag.String("path", "", "comma-separated `dirs` searched for namespace sources")
	cacheFile  = flag.String("cache", "", "load and save the compile cache in `file`")
	maxSteps   = flag.Uint64("maxsteps", 0, "bound the execution steps of each unit (0: unbounded)")
	verbose    = flag.Bool("v", false, "log loader activity to stderr")
	stats      = flag.Bool("stats", false, "print source fetch counts on exit")

	// non-standard dialect flags
	allowSet            = flag.Bool("set", false, "allow set data type")
	allowRecursion      = flag.Bool("recursion", false, "allow while statements and recursive functions")
	allowGlobalReassign = flag.Bool("globalreassign", false, "allow reassignment of globals, and if/for/while statements at top level")
)

func main() {
	os.Exit(doMain())
}

func doMain() int {
	log.SetPrefix("nsload: ")
	log.SetFlags(0)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Print(err)
		return 1
	}
	applyFlags(cfg)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		check(err)
		err = pprof.StartCPUProfile(f)
		check(err)
		defer func() {
			pprof.StopCPUProfile()
			err := f.Close()
			check(err)
		}()
	}
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		check(err)
		defer func() {
			runtime.GC()
			err := pprof.Lookup("heap").WriteTo(f, 0)
			check(err)
			err = f.Close()
			check(err)
		}()
	}
	if *profile != "" {
		f, err := os.Create(*profile)
		check(err)
		err = starlark.StartProfile(f)
		check(err)
		defer func() {
			err := starlark.StopProfile()
			check(err)
		}()
	}

	var logger *slog.Logger
	if level, ok := cfg.Level(); ok {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	var opts []sources.Option
	if len(cfg.Extensions) > 0 {
		opts = append(opts, sources.WithExtensions(cfg.Extensions...))
	}
	if len(cfg.MacroExtensions) > 0 {
		opts = append(opts, sources.WithMacroExtensions(cfg.MacroExtensions...))
	}
	fetches := &sources.Counting{Loader: sources.Dir(cfg.Path, opts...)}

	dialect := &starlarkns.Dialect{MaxSteps: cfg.MaxSteps, Logger: logger}
	l := loader.New(dialect.Compiler(), registry.NewTree(),
		loader.WithLogger(logger),
		loader.WithSourceLoader(fetches),
		loader.WithEvaluator(dialect.Evaluator()),
		loader.WithContext(cfg.Context))

	if cfg.Cache != "" {
		if err := loadCache(l, cfg.Cache); err != nil {
			log.Print(err)
			return 1
		}
		defer func() {
			if err := filelock.WriteFile(cfg.Cache, []byte(l.DumpCache())); err != nil {
				log.Printf("saving compile cache: %v", err)
			}
		}()
	}
	if *stats {
		defer printStats(fetches)
	}

	globals := make(starlark.StringDict)
	switch {
	case flag.NArg() == 1 || *execprog != "":
		var (
			filename string
			src      []byte
		)
		if *execprog != "" {
			// Execute provided program.
			filename = "cmdline"
			src = []byte(*execprog)
		} else {
			// Execute specified file.
			filename = flag.Arg(0)
			src, err = os.ReadFile(filename)
			if err != nil {
				log.Print(err)
				return 1
			}
		}
		if globals, err = run(l, filename, src); err != nil {
			repl.PrintError(err)
			return 1
		}
	case flag.NArg() == 0 && !term.IsTerminal(int(os.Stdin.Fd())):
		src, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Print(err)
			return 1
		}
		if globals, err = run(l, "<stdin>", src); err != nil {
			repl.PrintError(err)
			return 1
		}
	case flag.NArg() == 0:
		fmt.Println("Welcome to nsload (namespaces for Starlark)")
		repl.REPL(l, globals)
	default:
		log.Print("want at most one file name")
		return 1
	}

	// Print the global environment.
	if *showenv {
		for _, name := range globals.Keys() {
			if !strings.HasPrefix(name, "_") {
				fmt.Fprintf(os.Stderr, "%s = %s\n", name, globals[name])
			}
		}
	}
	return 0
}

// loadConfig reads the file named by -config, or the nearest
// nsload.yaml, or returns an empty configuration.
func loadConfig() (*config.Config, error) {
	path := *configFile
	if path == "" {
		var err error
		if path, err = config.FindConfig("."); err != nil {
			return nil, err
		}
		if path == "" {
			return new(config.Config), nil
		}
	}
	return config.LoadConfig(path)
}

// applyFlags overrides cfg with the flags set on the command line and
// sets the dialect options.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.Path = strings.Split(*pathFlag, ",")
		case "cache":
			cfg.Cache = *cacheFile
		case "maxsteps":
			cfg.MaxSteps = *maxSteps
		case "v":
			if *verbose {
				cfg.LogLevel = "debug"
			}
		case "set", "recursion", "globalreassign":
			if cfg.Dialect == nil {
				cfg.Dialect = make(map[string]bool)
			}
			cfg.Dialect[f.Name] = f.Value.(flag.Getter).Get().(bool)
		}
	})
	if len(cfg.Path) == 0 {
		cfg.Path = []string{"."}
	}
	resolve.AllowSet = cfg.Dialect["set"]
	resolve.AllowRecursion = cfg.Dialect["recursion"]
	resolve.AllowGlobalReassign = cfg.Dialect["globalreassign"]
}

// run runs one unit, cancelling it on SIGINT.
func run(l *loader.Loader, filename string, src []byte) (starlark.StringDict, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := l.Run(ctx, filename, string(src), nil)
	if err != nil {
		return nil, err
	}
	globals, _ := res.Value.(starlark.StringDict)
	return globals, nil
}

// loadCache restores the compile cache from file. A malformed cache
// is discarded.
func loadCache(l *loader.Loader, file string) error {
	data, err := filelock.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading compile cache: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var ferr *loader.CacheFormatError
	if err := l.LoadCache(string(data)); errors.As(err, &ferr) {
		log.Printf("%s: discarding compile cache: %v", file, err)
		l.ClearCache()
	} else if err != nil {
		return err
	}
	return nil
}

func printStats(c *sources.Counting) {
	fmt.Fprintf(os.Stderr, "source fetches: %d\n", c.Total())
	names := c.Names()
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "\t%s\t%d\n", name, c.Calls(name))
	}
}

func check(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
