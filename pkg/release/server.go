// Package release implements a mock release-distribution API: a JSON release
// manifest served from a fixture file, and placeholder binary downloads. It is
// used to exercise "containarium upgrade self" locally.
package release

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

const (
	ManifestPath   = "/release.json"
	BinariesPrefix = "/binaries/"
	ManifestFile   = "mock-release.json"

	// DefaultPort is the port the mockrelease command listens on
	DefaultPort        = 8080
	DefaultMockVersion = "0.3.0"

	// LogPrefix tags every per-request log line
	LogPrefix = "[MockServer]"
)

var (
	// ErrFixtureMissing is reported when the release manifest fixture is absent
	ErrFixtureMissing = errors.New("mock release file not found")

	// ErrRouteNotFound is reported for any path outside the known routes
	ErrRouteNotFound = errors.New("not found")
)

// Logger receives one line per handled request. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config holds everything needed to construct a Server
type Config struct {
	Addr        string // host to bind; empty means all interfaces
	Port        int    // TCP port; zero picks an ephemeral port
	FixtureDir  string // directory containing ManifestFile
	MockVersion string // version printed by the mock binary payload
	Logger      Logger // per-request log lines; nil means the standard logger

	// Observer, if non-nil, is called after each request has been answered
	Observer func(r *http.Request, resp *Response)
}

// Response is the structured result of handling one request
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// Server answers manifest and binary requests. It holds no mutable state.
type Server struct {
	cfg     Config
	version *semver.Version
	payload []byte
}

// New validates cfg, fills in defaults and renders the mock payload
func New(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MockVersion == "" {
		cfg.MockVersion = DefaultMockVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	v, err := semver.NewVersion(cfg.MockVersion)
	if err != nil {
		return nil, fmt.Errorf("error parsing mock version %q: %w", cfg.MockVersion, err)
	}

	return &Server{
		cfg:     cfg,
		version: v,
		payload: MockBinary(v),
	}, nil
}

// Addr is the host:port that ListenAndServe binds
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port))
}

// FixturePath is the location of the release manifest fixture
func (s *Server) FixturePath() string {
	return filepath.Join(s.cfg.FixtureDir, ManifestFile)
}

// Version is the normalized version embedded in the mock payload
func (s *Server) Version() *semver.Version {
	return s.version
}

// Handle routes a request path to one of the three fixed behaviors. Routes are
// checked in order: exact match on the manifest path, then prefix match on the
// binaries path, then not found. The path is the escaped form sent on the wire,
// so binary filenames are taken verbatim.
func (s *Server) Handle(method, path string) *Response {
	if method != http.MethodGet && method != http.MethodHead {
		return errorResponse(http.StatusNotImplemented, fmt.Sprintf("Unsupported method ('%s')", method), nil)
	}

	switch {
	case path == ManifestPath:
		return s.manifest()
	case strings.HasPrefix(path, BinariesPrefix):
		return s.binary(BinaryName(path))
	default:
		return errorResponse(http.StatusNotFound, "Not Found", ErrRouteNotFound)
	}
}

func (s *Server) manifest() *Response {
	buf, err := os.ReadFile(s.FixturePath())
	if errors.Is(err, fs.ErrNotExist) {
		return errorResponse(http.StatusNotFound, "Mock release file not found", ErrFixtureMissing)
	}
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "Error reading mock release file",
			fmt.Errorf("error reading %v: %w", s.FixturePath(), err))
	}

	header := make(http.Header)
	header.Set("Content-type", "application/json")
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       buf,
	}
}

func (s *Server) binary(name string) *Response {
	header := make(http.Header)
	header.Set("Content-type", "application/octet-stream")
	header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       s.payload,
	}
}

func errorResponse(code int, msg string, err error) *Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")
	return &Response{
		StatusCode: code,
		Header:     header,
		Body:       []byte(fmt.Sprintf("%d %s\n", code, msg)),
		Err:        err,
	}
}

// ServeHTTP adapts Handle to net/http
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := s.Handle(r.Method, r.URL.EscapedPath())

	s.cfg.Logger.Printf("%s %s %s %s -> %d", LogPrefix, r.Method, r.RequestURI, r.Proto, resp.StatusCode)

	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			s.cfg.Logger.Printf("%s error writing response to %v: %v", LogPrefix, r.RemoteAddr, err)
		}
	}

	if s.cfg.Observer != nil {
		s.cfg.Observer(r, resp)
	}
}

// Listen binds the TCP listener, failing if the port is already in use
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("error listening on %v: %w", s.Addr(), err)
	}
	return ln, nil
}

// ListenAndServe binds the listener and serves until ctx is cancelled. Failure
// to bind is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve answers requests arriving on ln until ctx is cancelled, then shuts
// down gracefully and returns nil. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("error serving on %v: %w", ln.Addr(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
