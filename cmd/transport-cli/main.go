package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	transport "github.com/dracad/transport-go"
)

const (
	cliHistFileEnv     = "TRANSPORT_CLI_HISTFILE"
	cliHistFileDefault = ".transport_cli_history"
)

type endpoint interface {
	Connect(host transport.HostAddr, hint transport.IPVersion) transport.Status
	SyncSend(p transport.Payload) transport.Status
	SyncReceive(timeout time.Duration) transport.ReceivedData
	SyncRequestResponse(data []byte, timeout time.Duration) transport.ReceivedData
	LastError() transport.Error
	Close() error
}

func main() {
	udp := flag.Bool("udp", false, "use a UDP client instead of TCP")
	host := flag.String("host", "127.0.0.1", "host to connect to")
	port := flag.Uint("port", 0, "port to connect to")
	timeout := flag.Duration("timeout", time.Second, "receive timeout")
	flag.Parse()

	var client endpoint
	if *udp {
		client = transport.NewUDPClient()
	} else {
		client = transport.NewTCPClient()
	}
	defer client.Close()

	if *port != 0 {
		addr := transport.HostAddr{IP: *host, Port: uint16(*port)}
		if client.Connect(addr, transport.IPAny) != transport.OK {
			fmt.Fprintf(os.Stderr, "connect %s failed: %s\n", addr, client.LastError().Error())
			os.Exit(1)
		}
		fmt.Printf("connected to %s\n", addr)
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyPath()
	if interactive && histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	for {
		prompt := ""
		if interactive {
			prompt = "transport> "
		}

		input, err := line.Prompt(prompt)
		if err != nil {
			break
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if interactive {
			line.AppendHistory(input)
		}

		if !dispatch(client, input, *timeout) {
			break
		}
	}

	if interactive && histPath != "" {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
}

func dispatch(client endpoint, input string, timeout time.Duration) bool {
	fields := strings.Fields(input)
	command := strings.ToLower(fields[0])

	switch command {
	case "quit", "exit":
		return false

	case "connect":
		if len(fields) != 3 {
			fmt.Println("usage: connect <host> <port>")
			return true
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			fmt.Println("invalid port:", fields[2])
			return true
		}
		addr := transport.HostAddr{IP: fields[1], Port: uint16(port)}
		if client.Connect(addr, transport.IPAny) != transport.OK {
			fmt.Println("connect failed:", client.LastError().Error())
			return true
		}
		fmt.Printf("connected to %s\n", addr)

	case "send":
		payload := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
		if client.SyncSend(transport.OwnedPayload([]byte(payload))) != transport.OK {
			fmt.Println("send failed:", client.LastError().Error())
		}

	case "recv":
		resp := client.SyncReceive(timeout)
		if resp.Code != transport.OK {
			fmt.Println("recv failed:", client.LastError().Error())
			return true
		}
		fmt.Printf("%q\n", resp.Data)

	case "req":
		payload := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
		resp := client.SyncRequestResponse([]byte(payload), timeout)
		if resp.Code != transport.OK {
			fmt.Println("request failed:", client.LastError().Error())
			return true
		}
		fmt.Printf("%q\n", resp.Data)

	default:
		fmt.Println("commands: connect <host> <port> | send <text> | recv | req <text> | quit")
	}

	return true
}

func historyPath() string {
	if env := os.Getenv(cliHistFileEnv); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, cliHistFileDefault)
}
