package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/fatih/color"
	"github.com/monasticacademy/mockrelease/pkg/release"
)

var isVerbose bool

func verbose(msg string) {
	if isVerbose {
		log.Print(msg)
	}
}

func verbosef(fmt string, parts ...interface{}) {
	if isVerbose {
		log.Printf(fmt, parts...)
	}
}

var errorColor = color.New(color.FgRed, color.Bold)

func errorf(fmt string, parts ...interface{}) {
	if !strings.HasSuffix(fmt, "\n") {
		fmt += "\n"
	}
	errorColor.Printf(fmt, parts...)
}

func printVersion() {
	version := "unknown"

	buildInfo, ok := debug.ReadBuildInfo()
	if ok && buildInfo.Main.Version != "" {
		version = buildInfo.Main.Version
	}

	fmt.Printf("Version: %s\n", version)
}

// defaultFixtureDir is the fixtures directory that sits next to this source file, falling
// back to one next to the executable when source paths were trimmed from the build
func defaultFixtureDir() string {
	if _, file, _, ok := runtime.Caller(0); ok && filepath.IsAbs(file) {
		return filepath.Join(filepath.Dir(file), "fixtures")
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "fixtures")
	}
	return "fixtures"
}

// printBanner describes the endpoints and how to point the upgrade command at them
func printBanner(w io.Writer, port int) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(w, "🧪 Mock GitHub API Server")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Listening on http://localhost:%d\n", port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Endpoints:")
	fmt.Fprintf(w, "  GET %-17s - Mock release info\n", release.ManifestPath)
	fmt.Fprintf(w, "  GET %-17s - Mock binary downloads\n", release.BinariesPrefix+"*")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Test commands:")
	fmt.Fprintln(w, "  ./bin/containarium upgrade self --check \\")
	fmt.Fprintf(w, "    --test-url http://localhost:%d%s\n", port, release.ManifestPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop")
	fmt.Fprintln(w, rule)
}

// printCalls writes a coloured summary of each call until the listener is closed
func printCalls(calls httpListener, head, body bool) {
	reqcolor := color.New(color.FgBlue, color.Bold)
	resp2xx := color.New(color.FgGreen)
	resp3xx := color.New(color.FgMagenta)
	resp4xx := color.New(color.FgYellow)
	resp5xx := color.New(color.FgRed)
	for c := range calls {
		reqcolor.Printf("---> %v %v\n", c.Request.Method, c.Request.URL)
		if head {
			for k, vs := range c.Request.Header {
				for _, v := range vs {
					log.Printf("> %s: %s", k, v)
				}
			}
		}

		var respcolor *color.Color
		switch {
		case c.Response.StatusCode < 300:
			respcolor = resp2xx
		case c.Response.StatusCode < 400:
			respcolor = resp3xx
		case c.Response.StatusCode < 500:
			respcolor = resp4xx
		default:
			respcolor = resp5xx
		}
		respcolor.Printf("<--- %v %v (%d bytes)\n", c.Response.StatusCode, c.Request.URL, len(c.Response.Body))
		if head {
			for k, vs := range c.Response.Header {
				for _, v := range vs {
					log.Printf("< %s: %s", k, v)
				}
			}
		}
		if body && len(c.Response.Body) > 0 {
			log.Println(string(c.Response.Body))
		}
	}
}

type options struct {
	Verbose     bool   `arg:"-v,--verbose,env:MOCKRELEASE_VERBOSE"`
	Version     bool   `arg:"-V,--version" help:"print version information"`
	Stderr      bool   `arg:"env:MOCKRELEASE_LOG_TO_STDERR" help:"log to standard error (default is standard out)"`
	Addr        string `arg:"env:MOCKRELEASE_ADDR" help:"host to listen on (default is all interfaces)"`
	Port        int    `arg:"env:MOCKRELEASE_PORT" default:"8080" help:"TCP port to listen on (0 picks a free port)"`
	Fixtures    string `arg:"env:MOCKRELEASE_FIXTURES" help:"directory containing mock-release.json (default is fixtures/ next to the source)"`
	MockVersion string `arg:"--mock-version,env:MOCKRELEASE_MOCK_VERSION" default:"0.3.0" help:"version reported by the mock binaries"`
	WebUI       string `arg:"--web-ui,env:MOCKRELEASE_WEB_UI" help:"address and port to stream served calls on"`
	DumpCalls   string `arg:"--dump-calls,env:MOCKRELEASE_DUMP_CALLS" help:"path to write served calls to as JSON at shutdown"`
	Head        bool   `help:"whether to include HTTP headers in terminal output"`
	Body        bool   `help:"whether to include HTTP payloads in terminal output"`
}

// run serves until ctx is cancelled. The banner and shutdown message go to out; the
// banner is only printed once the listener is bound.
func run(ctx context.Context, out io.Writer, args *options) error {
	if args.Fixtures == "" {
		args.Fixtures = defaultFixtureDir()
	}

	var hub callHub
	defer hub.finish()

	server, err := release.New(release.Config{
		Addr:        args.Addr,
		Port:        args.Port,
		FixtureDir:  args.Fixtures,
		MockVersion: args.MockVersion,
		Logger:      log.Default(),
		Observer: func(r *http.Request, resp *release.Response) {
			hub.notify(newHTTPCall(r, resp))
		},
	})
	if err != nil {
		return fmt.Errorf("error configuring mock server: %w", err)
	}

	verbosef("serving %v", server.FixturePath())
	if _, err := os.Stat(server.FixturePath()); err != nil {
		errorf("warning: %v is not readable (%v), %v will return 404", server.FixturePath(), err, release.ManifestPath)
	}

	// open the file right away so that filesystem errors get surfaced as soon as possible
	if args.DumpCalls != "" {
		f, err := os.Create(args.DumpCalls)
		if err != nil {
			return fmt.Errorf("error opening %v for writing: %w", args.DumpCalls, err)
		}
		defer f.Close()

		// write the calls at program termination
		defer func() {
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			if err := enc.Encode(hub.history()); err != nil {
				errorf("error writing served calls to %v: %v", args.DumpCalls, err)
			}
		}()
	}

	calls, _ := hub.listen()
	go printCalls(calls, args.Head, args.Body)

	if args.WebUI != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/calls", hub.serveCalls)
		api := &http.Server{Addr: args.WebUI, Handler: mux, ReadHeaderTimeout: 15 * time.Second}
		go func() {
			log.Printf("streaming calls on http://%v/api/calls ...", args.WebUI)
			if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errorf("error serving call stream on %v: %v", args.WebUI, err)
			}
		}()
		defer api.Close()
	}

	// bind before printing anything so that a port conflict is reported on its own
	ln, err := server.Listen()
	if err != nil {
		return err
	}

	printBanner(out, ln.Addr().(*net.TCPAddr).Port)

	err = server.Serve(ctx, ln)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\n\nShutting down mock server...")
	return nil
}

func Main() error {
	var args options
	arg.MustParse(&args)

	if args.Version {
		printVersion()
		return nil
	}
	if args.Stderr {
		log.SetOutput(os.Stderr)
	}
	isVerbose = args.Verbose

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, os.Stdout, &args)
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	err := Main()
	if err != nil {
		log.Fatal(err)
	}
}
