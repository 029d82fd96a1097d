package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sydlexius/mediaproxy/internal/proxy"
)

// Exit codes of the healthcheck subcommand.
const (
	healthOK          = 0
	healthLocalFailed = 1
	healthProxyFailed = 2
)

type checker struct {
	client      *http.Client
	localTries  int
	localDelay  time.Duration
	targetTries int
	targetDelay time.Duration
	out         io.Writer
}

// healthcheck serves the placeholder PNG on a loopback port and asks the
// proxy at target to fetch it. The proxy must allow 127.0.0.1 as a target.
//
//	mediaproxy healthcheck [-port 12887] [http://127.0.0.1:12766/]
func healthcheck(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ContinueOnError)
	port := fs.Int("port", 12887, "loopback port for the test image server")
	if err := fs.Parse(args); err != nil {
		return healthLocalFailed
	}
	target := "http://127.0.0.1:12766/"
	if fs.NArg() > 0 {
		target = fs.Arg(0)
	}

	p := checker{
		client:      &http.Client{Timeout: 10 * time.Second},
		localTries:  20,
		localDelay:  50 * time.Millisecond,
		targetTries: 5,
		targetDelay: 500 * time.Millisecond,
		out:         os.Stdout,
	}
	return p.run(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(*port)), target)
}

func (p checker) run(ctx context.Context, addr, target string) int {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(p.out, "test server bind error: %v\n", err)
		return healthLocalFailed
	}
	image, _ := proxy.LoadFallback("")
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(image)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go srv.Serve(ln) //nolint:errcheck
	defer srv.Close() //nolint:errcheck

	self := "http://" + ln.Addr().String() + "/dummy.png"
	if !p.poll(ctx, self, p.localTries, p.localDelay) {
		fmt.Fprintln(p.out, "test server bind error")
		return healthLocalFailed
	}

	u, err := url.Parse(target)
	if err != nil {
		fmt.Fprintf(p.out, "invalid proxy url: %v\n", err)
		return healthProxyFailed
	}
	q := u.Query()
	q.Set("url", self)
	u.RawQuery = q.Encode()
	if !p.poll(ctx, u.String(), p.targetTries, p.targetDelay) {
		fmt.Fprintln(p.out, "proxy did not answer 200")
		return healthProxyFailed
	}
	fmt.Fprintln(p.out, "ok")
	return healthOK
}

// poll GETs u up to tries times, sleeping delay between attempts, and
// reports whether any attempt returned 200.
func (p checker) poll(ctx context.Context, u string, tries int, delay time.Duration) bool {
	for i := range tries {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
		if err := p.get(ctx, u); err == nil {
			return true
		}
	}
	return false
}

var errNotOK = errors.New("non-200 response")

func (p checker) get(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", errNotOK, resp.StatusCode)
	}
	return nil
}
