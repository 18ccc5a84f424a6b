package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"jircd/internal/protocol"
	"jircd/internal/wire"
)

const probeTimeout = 5 * time.Second

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("jircd %s\n", Version)
		return true
	case "probe":
		return cliProbe(args[1:])
	default:
		return false
	}
}

// cliProbe dials a running server, registers a throwaway nick, and measures
// a ping round trip over the real wire protocol.
func cliProbe(args []string) bool {
	addr := "localhost:50000"
	if len(args) > 0 {
		addr = args[0]
	}

	nc, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error dialing %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer nc.Close()
	nc.SetDeadline(time.Now().Add(probeTimeout))

	// uuid strings are hex in the positions we slice, so the nick and
	// nonce stay within the protocol's name and frame rules.
	nick := "probe" + uuid.NewString()[:5]
	nonce := uuid.NewString()[:8]
	b := protocol.NewBuilder(nick)

	send := func(msg protocol.Message) {
		frame, err := wire.Frame(msg)
		if err == nil {
			_, err = nc.Write(frame)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error sending to %s: %v\n", addr, err)
			os.Exit(1)
		}
	}

	send(b.Nick(nick))
	start := time.Now()
	send(b.Ping(nonce))

	var dec wire.Decoder
	buf := make([]byte, wire.RWSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				payload, ok := dec.Next()
				if !ok {
					break
				}
				msg, perr := protocol.Parse(payload)
				if perr != nil {
					continue
				}
				switch {
				case msg.Error != "":
					fmt.Fprintf(os.Stderr, "server error: %s: %s\n", msg.Error, msg.Msg)
					os.Exit(1)
				case msg.Cmd == protocol.CmdPong && msg.Msg == nonce:
					fmt.Printf("pong from %s in %v\n", addr, time.Since(start).Round(time.Microsecond))
					send(b.Quit("probe complete"))
					return true
				}
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading from %s: %v\n", addr, err)
			os.Exit(1)
		}
	}
}
