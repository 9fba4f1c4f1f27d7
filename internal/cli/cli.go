// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package cli provides the scaffolding shared by the site commands.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"go.itsfan.me/site/internal/logger"
	"go.itsfan.me/site/internal/version"
)

// Main runs app with the operating system environment, exiting with a
// non-zero status if it fails.
func Main(app App) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Run(WithEnv(ctx, OSEnv()), app); err != nil {
		if isPrintableError(err) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// App is a command-line application.
type App interface {
	// Run runs the application. The environment is available via GetEnv.
	Run(context.Context) error
}

// HasFlags is an App that defines flags.
type HasFlags interface {
	App
	// Flags adds flags to the flag set.
	Flags(*flag.FlagSet)
}

// HasEnvFlags is an App whose flag defaults may come from the environment,
// typically through [envflag.Value].
type HasEnvFlags interface {
	App
	EnvFlags(fs *flag.FlagSet, getenv func(string) string)
}

// AppFunc is an App without flags.
type AppFunc func(context.Context) error

// Run calls f(ctx).
func (f AppFunc) Run(ctx context.Context) error { return f(ctx) }

// ErrInvalidArgs is returned when command-line arguments are invalid. Wrap it
// to explain what is wrong:
//
//	return fmt.Errorf("%w: missing moment ID", cli.ErrInvalidArgs)
var ErrInvalidArgs = errors.New("invalid arguments")

// ErrExitVersion is returned after the version has been printed.
var ErrExitVersion = &unprintableError{errors.New("version flag exit")}

type unprintableError struct{ err error }

func (e *unprintableError) Error() string { return e.err.Error() }
func (e *unprintableError) Unwrap() error { return e.err }

func isPrintableError(err error) bool {
	if errors.Is(err, flag.ErrHelp) {
		return false
	}
	var ue *unprintableError
	return !errors.As(err, &ue)
}

// Env is the environment an application runs in.
type Env struct {
	Args   []string
	Getenv func(string) string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// OSEnv returns the environment of the current process.
func OSEnv() *Env {
	return &Env{
		Args:   os.Args[1:],
		Getenv: os.Getenv,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

type envKey struct{}

// WithEnv returns a copy of ctx carrying env.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// GetEnv returns the environment carried by ctx, or [OSEnv] if there is none.
func GetEnv(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey{}).(*Env); ok {
		return env
	}
	return OSEnv()
}

// Run parses flags and runs app in the environment carried by ctx.
//
// Before app runs, ctx gets a structured logger writing to the environment's
// standard error; -verbose lowers its level to debug.
func Run(ctx context.Context, app App) error {
	env := GetEnv(ctx)
	name := version.CmdName()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	switch fa := app.(type) {
	case HasEnvFlags:
		fa.EnvFlags(fs, env.Getenv)
	case HasFlags:
		fa.Flags(fs)
	}
	var (
		cpuProfile  = fs.String("cpuprofile", "", "Write CPU profile to `file`.")
		memProfile  = fs.String("memprofile", "", "Write memory profile to `file`.")
		verbose     = fs.Bool("verbose", false, "Enable debug logging.")
		showVersion bool
	)
	if fs.Lookup("version") == nil {
		fs.BoolVar(&showVersion, "version", false, "Show version.")
	}
	fs.SetOutput(env.Stderr)
	fs.Usage = func() {
		if doc := docComment(); doc != "" {
			fmt.Fprintln(env.Stderr, doc)
		}
		fmt.Fprint(env.Stderr, "Available flags:\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(env.Args); err != nil {
		// The flag package has already reported it.
		return &unprintableError{err}
	}

	if showVersion {
		fmt.Fprint(env.Stderr, version.Version())
		return ErrExitVersion
	}

	level := new(slog.LevelVar)
	if *verbose {
		level.Set(slog.LevelDebug)
	}
	ctx = logger.Put(ctx, logger.New(env.Stderr, level))

	runEnv := *env
	runEnv.Args = fs.Args()
	ctx = WithEnv(ctx, &runEnv)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			return fmt.Errorf("creating CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("starting CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	if err := app.Run(ctx); err != nil {
		return err
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			return fmt.Errorf("creating memory profile: %w", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("writing memory profile: %w", err)
		}
	}
	return nil
}

var docSrc []byte

// SetDocComment sets the source of the usage text printed by -help. src is
// normally the embedded doc.go of the command; the text between the first
// "/*" and "*/" lines is used.
func SetDocComment(src []byte) { docSrc = src }

func docComment() string {
	var (
		sb        bytes.Buffer
		inComment bool
	)
	s := bufio.NewScanner(bytes.NewReader(docSrc))
	for s.Scan() {
		switch line := s.Text(); {
		case line == "/*":
			inComment = true
		case line == "*/":
			return sb.String()
		case inComment:
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}
