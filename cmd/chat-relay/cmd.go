package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	chatrelay "github.com/shazow/chat-relay"
	"github.com/shazow/chat-relay/log"
	"github.com/shazow/chat-relay/tcpd"

	_ "net/http/pprof"
)

// Version of the binary, assigned during build.
var Version string = "dev"

// Options contains the flag options
type Options struct {
	Verbose      []bool        `short:"v" long:"verbose" description:"Show verbose logging."`
	Version      bool          `long:"version" description:"Print version and exit."`
	Bind         string        `long:"bind" description:"Host and port to listen on." default:"0.0.0.0:4000"`
	Buffer       int           `long:"buffer" description:"Read buffer size per connection, in bytes." default:"1024"`
	Queue        int           `long:"queue" description:"Pending writes per connection before it is dropped as too slow, 0 for no limit." default:"0"`
	MaxPeers     int           `long:"max-peers" description:"Maximum number of connected peers, 0 for no limit." default:"0"`
	RateLimit    int           `long:"rate-limit" description:"Maximum input per connection in bytes per second, 0 for no limit." default:"0"`
	WriteTimeout time.Duration `long:"write-timeout" description:"Drop a peer when a single write takes longer than this, 0 to disable." default:"0"`
	Log          string        `long:"log" description:"Write relayed traffic to this file, - for stdout."`
	Metrics      string        `long:"metrics" description:"Serve Prometheus metrics on this address."`
	Pprof        int           `long:"pprof" description:"Enable pprof http server for profiling."`
}

func fail(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(code)
}

func main() {
	options := Options{}
	parser := flags.NewParser(&options, flags.Default)
	p, err := parser.Parse()
	if err != nil {
		if p == nil {
			fmt.Print(err)
		}
		return
	}

	if options.Version {
		fmt.Println(Version)
		return
	}

	if options.Pprof != 0 {
		go func() {
			fmt.Println(http.ListenAndServe(fmt.Sprintf("localhost:%d", options.Pprof), nil))
		}()
	}

	logger := log.Init(len(options.Verbose))

	if options.Buffer < 1 {
		fail(1, "Invalid --buffer: %d\n", options.Buffer)
	}
	if options.Queue < 0 {
		fail(1, "Invalid --queue: %d\n", options.Queue)
	}

	s, err := tcpd.ListenTCP(options.Bind)
	if err != nil {
		fail(4, "Failed to listen on socket: %v\n", err)
	}
	if options.RateLimit > 0 {
		s.RateLimit = tcpd.NewInputLimiter(options.RateLimit)
	}

	fmt.Printf("Listening for connections on %v\n", s.Addr().String())

	reg := chatrelay.NewRegistry()
	host := chatrelay.NewHost(s, reg)
	host.SetBufferSize(options.Buffer)
	host.SetMaxPeers(options.MaxPeers)
	host.SetQueueSize(options.Queue)
	host.SetWriteTimeout(options.WriteTimeout)

	if options.Log == "-" {
		host.SetLogging(os.Stdout)
	} else if options.Log != "" {
		fp, err := os.OpenFile(options.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			fail(8, "Failed to open log file for writing: %v", err)
		}
		defer fp.Close()
		host.SetLogging(fp)
	}

	if options.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", chatrelay.MetricsHandler(reg))
		go func() {
			logger.Errorf("Metrics server stopped: %s", http.ListenAndServe(options.Metrics, mux))
		}()
	}

	served := make(chan error, 1)
	go func() {
		served <- host.Serve()
	}()

	// Construct interrupt handler
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	code := 0
	select {
	case <-sig: // Wait for ^C signal
		fmt.Fprintln(os.Stderr, "Interrupt signal detected, shutting down.")
	case err := <-served:
		logger.Errorf("Stopped accepting connections: %s", err)
		code = 5
	}

	if err := host.Close(5 * time.Second); err != nil {
		logger.Warningf("Errors while closing: %s", err)
	}
	if code != 0 {
		os.Exit(code)
	}
}
