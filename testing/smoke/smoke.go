// Command smoke runs the end-to-end checks that the upgrade command relies on
// against a running mock release server.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/alexflint/go-arg"
	"github.com/fatih/color"
	"github.com/monasticacademy/mockrelease/pkg/release"
)

type Case struct {
	Path   string            // request path
	Status int               // expected status code
	Header map[string]string // expected response headers
	Body   string            // expected body, compared exactly unless Substr is set
	Substr bool              // whether Body need only appear in the response
}

// check performs one request against base and describes the first mismatch
func check(client *http.Client, base string, c *Case) error {
	resp, err := client.Get(strings.TrimSuffix(base, "/") + c.Path)
	if err != nil {
		return fmt.Errorf("error requesting %v: %w", c.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body for %v: %w", c.Path, err)
	}

	if resp.StatusCode != c.Status {
		return fmt.Errorf("status was %d, expected %d", resp.StatusCode, c.Status)
	}
	for k, v := range c.Header {
		if got := resp.Header.Get(k); got != v {
			return fmt.Errorf("header %s was %q, expected %q", k, got, v)
		}
	}
	switch {
	case c.Substr && !strings.Contains(string(body), c.Body):
		return fmt.Errorf("body %q does not contain %q", body, c.Body)
	case !c.Substr && string(body) != c.Body:
		return fmt.Errorf("body was %q, expected %q", body, c.Body)
	}
	return nil
}

// cases builds the checks for a server serving the given fixture and mock version
func cases(fixture []byte, version *semver.Version) []*Case {
	const binary = "containarium-linux-amd64"
	return []*Case{
		{
			Path:   release.ManifestPath,
			Status: http.StatusOK,
			Header: map[string]string{"Content-Type": "application/json"},
			Body:   string(fixture),
		},
		{
			Path:   release.BinariesPrefix + binary,
			Status: http.StatusOK,
			Header: map[string]string{
				"Content-Type":        "application/octet-stream",
				"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, binary),
			},
			Body: string(release.MockBinary(version)),
		},
		{
			Path:   "/nonexistent",
			Status: http.StatusNotFound,
			Body:   "Not Found",
			Substr: true,
		},
	}
}

func Main() error {
	var args struct {
		URL         string        `arg:"--url,env:MOCKRELEASE_URL" default:"http://localhost:8080" help:"base URL of the running mock server"`
		Fixture     string        `default:"fixtures/mock-release.json" help:"fixture the server is expected to serve"`
		MockVersion string        `arg:"--mock-version" default:"0.3.0" help:"version the server's mock binaries report"`
		Timeout     time.Duration `default:"5s"`
	}
	arg.MustParse(&args)

	fixture, err := os.ReadFile(args.Fixture)
	if err != nil {
		return fmt.Errorf("error reading fixture: %w", err)
	}

	version, err := semver.NewVersion(args.MockVersion)
	if err != nil {
		return fmt.Errorf("error parsing mock version %q: %w", args.MockVersion, err)
	}

	client := &http.Client{Timeout: args.Timeout}
	pass := color.New(color.FgGreen)
	fail := color.New(color.FgRed, color.Bold)

	selected := cases(fixture, version)
	var failures int
	for _, c := range selected {
		if err := check(client, args.URL, c); err != nil {
			failures++
			fail.Printf("FAIL %v: %v\n", c.Path, err)
			continue
		}
		pass.Printf("ok   %v\n", c.Path)
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d checks failed", failures, len(selected))
	}

	log.Printf("%d checks passed", len(selected))
	return nil
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	err := Main()
	if err != nil {
		log.Fatal(err)
	}
}
