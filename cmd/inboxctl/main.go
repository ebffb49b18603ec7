package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/nestly/inbox/internal/control"
	"github.com/nestly/inbox/internal/lock"
	"github.com/nestly/inbox/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "profiles" {
		cmdProfiles(*jsonFlag)
		return
	}

	profile, err := session.Resolve(*profileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if _, open := lock.Inspect(session.Dir(profile)); !open {
		fmt.Fprintf(os.Stderr, "error: profile %q is not open\n", profile)
		os.Exit(1)
	}

	c, err := control.Dial(session.SocketPath(profile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to profile %q: %v\n", profile, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "threads":
		cmdThreads(ctx, c, *jsonFlag)
	case "health":
		cmdHealth(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: inboxctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status      Show connection and session status")
	fmt.Fprintln(os.Stderr, "  threads     List conversations")
	fmt.Fprintln(os.Stderr, "  health      Exit 0 if the event stream is connected")
	fmt.Fprintln(os.Stderr, "  profiles    List known profiles")
}

func cmdStatus(ctx context.Context, c *control.Client, jsonOut bool) {
	resp, err := c.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	f := resp.GetFields()
	fmt.Printf("Profile: %s\n", f["profile"].GetStringValue())
	fmt.Printf("User:    %s (%s)\n", f["user_name"].GetStringValue(), f["user_id"].GetStringValue())
	state := f["state"].GetStringValue()
	if since, err := time.Parse(time.RFC3339, f["state_since"].GetStringValue()); err == nil {
		state += fmt.Sprintf(" (for %s)", time.Since(since).Round(time.Second))
	}
	fmt.Printf("State:   %s\n", state)
	fmt.Printf("Threads: %.0f (%.0f unread)\n", f["thread_count"].GetNumberValue(), f["unread_total"].GetNumberValue())
	if active := f["active_thread"].GetStringValue(); active != "" {
		fmt.Printf("Open:    %s\n", active)
	}
	fmt.Printf("Uptime:  %s\n", time.Duration(f["uptime_ms"].GetNumberValue())*time.Millisecond)
}

func cmdThreads(ctx context.Context, c *control.Client, jsonOut bool) {
	resp, err := c.Threads(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	rows := resp.GetFields()["threads"].GetListValue().GetValues()
	if len(rows) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, v := range rows {
		f := v.GetStructValue().GetFields()
		mark := " "
		if f["online"].GetBoolValue() {
			mark = "*"
		}
		unread := ""
		if n := f["unread"].GetNumberValue(); n > 0 {
			unread = fmt.Sprintf(" [%.0f]", n)
		}
		fmt.Printf("%s %-20s %-24s %s%s\n", mark, f["id"].GetStringValue(), f["counterpart_name"].GetStringValue(), f["preview"].GetStringValue(), unread)
	}
}

func cmdHealth(ctx context.Context, c *control.Client) {
	st, err := c.Serving(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(st)
	if st != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func cmdProfiles(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	type profile struct {
		Name    string     `json:"name"`
		Open    bool       `json:"open"`
		PID     int        `json:"pid,omitempty"`
		Started *time.Time `json:"started,omitempty"`
	}
	var list []profile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := profile{Name: e.Name()}
		if owner, open := lock.Inspect(session.Dir(e.Name())); open {
			p.Open, p.PID = true, owner.PID
			if !owner.Started.IsZero() {
				p.Started = &owner.Started
			}
		}
		list = append(list, p)
	}
	if jsonOut {
		outputJSONValue(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, p := range list {
		state := "closed"
		switch {
		case p.Open && p.Started != nil:
			state = fmt.Sprintf("open (pid %d, since %s)", p.PID, p.Started.Local().Format(time.DateTime))
		case p.Open:
			state = fmt.Sprintf("open (pid %d)", p.PID)
		}
		fmt.Printf("%-20s %s\n", p.Name, state)
	}
}

func outputJSON(m proto.Message) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func outputJSONValue(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
