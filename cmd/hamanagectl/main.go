// Command hamanagectl is an admin CLI that talks to a running hamanaged
// over its Unix-domain socket, one ephemeral connection per invocation.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"hamanager/internal/ipc"
)

func main() {
	socketPath := flag.String("socket", envOr("HAMANAGER_SOCKET", "/var/run/hamanager.sock"), "Unix-domain socket of the running manager")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if err := dispatch(*socketPath, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hamanagectl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: hamanagectl [-socket path] <command> [args]

commands:
  status                      print the current status_update
  get-nodes                   print the node table as JSON
  remove-node <index>         remove the node at the given 1-based table position
  set-failover-delay <secs>   change the global failover delay
  pause                       suspend the manager's tick loop
  stop                        stop the manager cleanly
  loglevel up|down            adjust the manager's log verbosity`)
}

func dispatch(socketPath, cmd string, args []string) error {
	c, err := ipc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer c.Close()

	const timeout = 5 * time.Second

	switch cmd {
	case "status":
		reply, err := c.Request(ipc.Envelope{Frame: ipc.FrameRequestStatus}, timeout)
		if err != nil {
			return err
		}
		fmt.Printf("status=%d failover_delay=%d error=%q\n", reply.Status, reply.FailoverDelay, reply.Error)
		return nil

	case "get-nodes":
		reply, err := c.Request(ipc.Envelope{Frame: ipc.FrameGetNodes}, timeout)
		if err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("%s", reply.Error)
		}
		return printPrettyJSON(reply.JSON)

	case "remove-node":
		if len(args) != 1 {
			return fmt.Errorf("remove-node requires exactly one index argument")
		}
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", args[0], err)
		}
		reply, err := c.Request(ipc.Envelope{Frame: ipc.FrameRemoveNode, Index: int32(idx)}, timeout)
		if err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("%s", reply.Error)
		}
		return nil

	case "set-failover-delay":
		if len(args) != 1 {
			return fmt.Errorf("set-failover-delay requires exactly one seconds argument")
		}
		secs, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid seconds %q: %w", args[0], err)
		}
		reply, err := c.Request(ipc.Envelope{Frame: ipc.FrameSetFailoverDelay, Seconds: int32(secs)}, timeout)
		if err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("%s", reply.Error)
		}
		return nil

	case "pause":
		_, err := c.Request(ipc.Envelope{Frame: ipc.FramePause}, timeout)
		return err

	case "stop":
		_, err := c.Request(ipc.Envelope{Frame: ipc.FrameStop}, timeout)
		return err

	case "loglevel":
		if len(args) != 1 || (args[0] != "up" && args[0] != "down") {
			return fmt.Errorf("loglevel requires exactly one argument: up or down")
		}
		frame := ipc.FrameLogLevelUp
		if args[0] == "down" {
			frame = ipc.FrameLogLevelDown
		}
		_, err := c.Request(ipc.Envelope{Frame: frame}, timeout)
		return err

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printPrettyJSON(raw string) error {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		fmt.Println(raw)
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
