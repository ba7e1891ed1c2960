package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"
)

// command describes one trafficctl subcommand
type command struct {
	name    string
	usage   string
	method  string
	path    string
	auth    bool
	payload func(args []string) (any, url.Values, error)
}

var commands = []command{
	{name: "status", usage: "status", method: http.MethodGet, path: "/api/dashboard/livestream/livestream-status"},
	{name: "stats", usage: "stats", method: http.MethodGet, path: "/api/dashboard/livestream/stats"},
	{name: "detections", usage: "detections", method: http.MethodGet, path: "/api/dashboard/livestream/detection-data"},
	{name: "start", usage: "start [camera-source]", method: http.MethodPost, path: "/api/dashboard/livestream/start-livestream", auth: true,
		payload: func(args []string) (any, url.Values, error) {
			body := map[string]string{}
			if len(args) > 0 {
				body["camera_source"] = args[0]
			}
			return body, nil, nil
		}},
	{name: "stop", usage: "stop", method: http.MethodPost, path: "/api/dashboard/livestream/stop-livestream", auth: true},
	{name: "test-connection", usage: "test-connection <address-index>", method: http.MethodGet, path: "/api/dashboard/livestream/test-pi-connection",
		payload: func(args []string) (any, url.Values, error) {
			if len(args) != 1 {
				return nil, nil, fmt.Errorf("test-connection needs an address index")
			}
			if _, err := strconv.Atoi(args[0]); err != nil {
				return nil, nil, fmt.Errorf("invalid address index %q", args[0])
			}
			return nil, url.Values{"address_index": {args[0]}}, nil
		}},
	{name: "history", usage: "history [YYYY-MM-DD]", method: http.MethodGet, path: "/api/dashboard/history/hourly",
		payload: func(args []string) (any, url.Values, error) {
			if len(args) == 0 {
				return nil, nil, nil
			}
			return nil, url.Values{"date": {args[0]}}, nil
		}},
	{name: "login", usage: "login <username> <password>", method: http.MethodPost, path: "/api/user/auth/token",
		payload: func(args []string) (any, url.Values, error) {
			if len(args) != 2 {
				return nil, nil, fmt.Errorf("login needs a username and a password")
			}
			return map[string]string{"username": args[0], "password": args[1]}, nil, nil
		}},
}

func doHTTP(base *url.URL, timeout int, debug bool, token string, args []string) (goa.Endpoint, any, error) {
	var (
		doer goahttp.Doer
	)
	{
		doer = &http.Client{Timeout: time.Duration(timeout) * time.Second}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}

	if len(args) == 0 {
		return nil, nil, fmt.Errorf("missing command")
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return nil, nil, fmt.Errorf("unknown command %q", args[0])
	}

	var (
		payload any
		query   url.Values
		err     error
	)
	if cmd.payload != nil {
		payload, query, err = cmd.payload(args[1:])
		if err != nil {
			return nil, nil, err
		}
	}

	endpoint := func(ctx context.Context, v any) (any, error) {
		u := *base
		u.Path = cmd.path
		u.RawQuery = query.Encode()

		req, err := http.NewRequestWithContext(ctx, cmd.method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if v != nil {
			req.Header.Set("Content-Type", "application/json")
			if err := goahttp.RequestEncoder(req).Encode(v); err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
		}
		if cmd.auth && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := doer.Do(req)
		if d, ok := doer.(goahttp.DebugDoer); ok {
			d.Fprint(os.Stderr)
		}
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var res any
		if err := goahttp.ResponseDecoder(resp).Decode(&res); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", resp.Status, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return res, fmt.Errorf("server returned %s", resp.Status)
		}
		return res, nil
	}

	return endpoint, payload, nil
}

func httpUsageCommands() string {
	result := ""
	for i, cmd := range commands {
		if i > 0 {
			result += "\n"
		}
		result += "    " + cmd.usage
	}
	return result
}

func httpUsageExamples() string {
	return "    trafficctl -url http://localhost:8080 status\n" +
		"    trafficctl -token $TOKEN start http://192.168.1.20:8000/stream.mjpg\n" +
		"    trafficctl history 2025-03-14"
}
