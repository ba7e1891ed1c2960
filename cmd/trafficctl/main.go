package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/auth"
)

func main() {
	var (
		addrF    = flag.String("url", "http://localhost:8080", "URL to the trafficd service")
		tokenF   = flag.String("token", os.Getenv("TRAFFIC_TOKEN"), "Bearer token for start and stop")
		verboseF = flag.Bool("verbose", false, "Print request and response details")
		vF       = flag.Bool("v", false, "Print request and response details")
		timeoutF = flag.Int("timeout", 30, "Maximum number of seconds to wait for response")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) > 0 && args[0] == "hash-password" {
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "hash-password needs a password")
			os.Exit(1)
		}
		hash, err := auth.HashPassword(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	u, err := url.Parse(*addrF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid URL %#v: %s\n", *addrF, err)
		os.Exit(1)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		fmt.Fprintf(os.Stderr, "invalid scheme: %q (valid schemes: http|https)\n", u.Scheme)
		os.Exit(1)
	}

	debug := *verboseF || *vF
	endpoint, payload, err := doHTTP(u, *timeoutF, debug, *tokenF, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		fmt.Fprintln(os.Stderr, "run '"+os.Args[0]+" --help' for detailed usage.")
		os.Exit(1)
	}

	data, err := endpoint(context.Background(), payload)
	if data != nil {
		m, _ := json.MarshalIndent(data, "", "    ")
		fmt.Println(string(m))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the trafficd API.
Usage:
    %s [-url URL][-token TOKEN][-timeout SECONDS][-verbose|-v] COMMAND [ARGS]

    -url URL:    specify service URL (http://localhost:8080)
    -token:      bearer token, defaults to $TRAFFIC_TOKEN
    -timeout:    maximum number of seconds to wait for response (30)
    -verbose|-v: print request and response details (false)

Commands:
%s
    hash-password <password>

Example:
%s
`, os.Args[0], os.Args[0], httpUsageCommands(), httpUsageExamples())
}
