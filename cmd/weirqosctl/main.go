// Command weirqosctl is an operator tool for one Policy Generator zone: it
// can trigger a `reload_limits` config reload over the well-known FIFO
// (§4.3 Inputs (c)) and tail a single user's current tier and effective
// limits over the admin gRPC surface (policygen/adminsvc).
//
// Usage:
//
//	weirqosctl -zone <zone> reload
//	weirqosctl -admin <host:port> usage -user <key>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/weirqos/weirqos/userkey"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	switch args[0] {
	case "reload":
		return runReload(args[1:])
	case "usage":
		return runUsage(args[1:])
	default:
		usage()
		return 2
	}
}

func runReload(args []string) int {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	zone := fs.String("zone", "default", "policygen zone (§3 Endpoint) whose reload FIFO to trigger")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fifoPath := userkey.ReloadFIFOPath(*zone)
	f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "weirqosctl: opening reload fifo %s: %v\n", fifoPath, err)
		return 1
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, userkey.ReloadCommand); err != nil {
		fmt.Fprintln(os.Stderr, "weirqosctl: writing reload trigger:", err)
		return 1
	}
	fmt.Println("weirqosctl: reload triggered")
	return 0
}

func runUsage(args []string) int {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	admin := fs.String("admin", "127.0.0.1:9091", "policygen admin gRPC address (cfg.Port+1)")
	user := fs.String("user", "", "user key to look up (§3 user key)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "weirqosctl: -user is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(*admin, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "weirqosctl: dialing admin server:", err)
		return 1
	}
	defer conn.Close()

	req, err := structpb.NewStruct(map[string]any{"user_key": *user})
	if err != nil {
		fmt.Fprintln(os.Stderr, "weirqosctl: encoding request:", err)
		return 1
	}

	reply := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/weirqos.policygen.Admin/UserUsage", req, reply); err != nil {
		fmt.Fprintln(os.Stderr, "weirqosctl: UserUsage RPC failed:", err)
		return 1
	}

	fields := reply.GetFields()
	fmt.Printf("user:               %s\n", fields["user_key"].GetStringValue())
	fmt.Printf("tier:               %s\n", fields["tier"].GetStringValue())
	fmt.Printf("bytes_up_per_sec:   %v\n", fields["bytes_up_per_sec"].GetNumberValue())
	fmt.Printf("bytes_down_per_sec: %v\n", fields["bytes_down_per_sec"].GetNumberValue())
	fmt.Printf("max_concurrent:     %v\n", fields["max_concurrent"].GetNumberValue())
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: weirqosctl reload -zone <zone>")
	fmt.Fprintln(os.Stderr, "       weirqosctl usage -admin <host:port> -user <key>")
}
