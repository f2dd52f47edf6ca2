package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ecocity.ai/internal/persistence/blob"
	persistlog "ecocity.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "blob":
		blobCmd(os.Args[2:])
	case "history":
		historyCmd(os.Args[2:])
	case "crossings":
		crossingsCmd(os.Args[2:])
	case "state":
		stateCmd(os.Args[2:])
	case "sync":
		postCmd("sync", "/admin/v1/sync", os.Args[2:])
	case "reset":
		postCmd("reset", "/admin/v1/reset", os.Args[2:])
	case "player", "reset-move", "move-mode":
		playerCmd(os.Args[1], os.Args[2:])
	case "reset-remote":
		resetRemoteCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin <command> [flags]

commands:
  blob [-data dir] [key]         print the local storage document (or one key)
  history [-db path] saves|crossings
  crossings [-data dir]          print the hourly crossing logs
  state|sync|reset [-url u]      call the running server's admin endpoints
  player [-url u] <id>           show a player's money, kills and move modes
  reset-move [-url u] <id>       restore the default WALK/RUN table
  move-mode [-url u] <id> <mode> force WALK or RUN
  reset-remote [-api u]          delete the metrics document on the backend`)
}

func blobCmd(args []string) {
	fs := flag.NewFlagSet("blob", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	path := fs.String("file", "", "storage file path (default: <data>/storage.json.zst)")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		p = filepath.Join(*dataDir, "storage.json.zst")
	}
	doc, hdr, err := blob.Open(p).Dump()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}

	if fs.NArg() > 0 {
		v, ok := doc[fs.Arg(0)]
		if !ok {
			fmt.Fprintf(os.Stderr, "key %q not found\n", fs.Arg(0))
			os.Exit(2)
		}
		printIndented(v)
		return
	}

	fmt.Printf("file=%s version=%d saved_at=%s keys=%d\n", p, hdr.Version, hdr.SavedAt, len(doc))
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, doc[k])
	}
}

func crossingsCmd(args []string) {
	fs := flag.NewFlagSet("crossings", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	files, err := filepath.Glob(filepath.Join(*dataDir, "crossings", "*.jsonl.zst"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "glob:", err)
		os.Exit(1)
	}
	sort.Strings(files)
	n := 0
	for _, f := range files {
		err := persistlog.ReadLines(f, func(line []byte) error {
			n++
			fmt.Println(string(line))
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(f), err)
		}
	}
	fmt.Fprintf(os.Stderr, "%d crossings in %d files\n", n, len(files))
}

func printIndented(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
