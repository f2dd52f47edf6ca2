package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ecocity.ai/internal/persistence/remote"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	call(http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), nil, 5*time.Second)
}

func postCmd(name, path string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	call(http.MethodPost, adminURL(*baseURL, path), nil, 30*time.Second)
}

// playerCmd covers the per-player staff verbs: player, reset-move and
// move-mode.
func playerCmd(verb string, args []string) {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	want := 1
	if verb == "move-mode" {
		want = 2
	}
	if fs.NArg() != want {
		usage()
		os.Exit(2)
	}
	base := "/admin/v1/players/" + url.PathEscape(fs.Arg(0))
	switch verb {
	case "player":
		call(http.MethodGet, adminURL(*baseURL, base), nil, 5*time.Second)
	case "reset-move":
		call(http.MethodPost, adminURL(*baseURL, base+"/reset-move"), nil, 5*time.Second)
	case "move-mode":
		body, _ := json.Marshal(map[string]string{"mode": fs.Arg(1)})
		call(http.MethodPost, adminURL(*baseURL, base+"/move-mode"), body, 5*time.Second)
	}
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

// call prints the response body and exits non-zero on a non-2xx status.
func call(method, u string, body []byte, timeout time.Duration) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func resetRemoteCmd(args []string) {
	fs := flag.NewFlagSet("reset-remote", flag.ExitOnError)
	api := fs.String("api", os.Getenv("ECO_API_URL"), "backend API root, e.g. http://localhost:3000/api")
	token := fs.String("token", os.Getenv("ECO_API_TOKEN"), "bearer token (optional)")
	_ = fs.Parse(args)

	cl, err := remote.New(remote.Config{BaseURL: *api, Token: *token})
	if err != nil {
		fmt.Fprintln(os.Stderr, "remote:", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deleted, ok, err := cl.DeleteMetrics(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "delete:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no metrics document on the backend")
		return
	}
	b, _ := json.Marshal(deleted)
	fmt.Printf("deleted: %s\n", b)
}
