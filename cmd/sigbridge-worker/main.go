// sigbridge-worker is the subordinate parsing process. The host launches it
// with a single argument, the channel identifier, and it serves parse
// requests over that channel until the host closes it.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/sigbridge/internal/channel"
	"github.com/mattjoyce/sigbridge/internal/envelope"
	"github.com/mattjoyce/sigbridge/internal/log"
	"github.com/mattjoyce/sigbridge/internal/parser"
	"github.com/mattjoyce/sigbridge/internal/server"
)

// Exit codes form the worker's CLI contract with the supervisor.
const (
	exitOK          = 0
	exitBadArgs     = -1
	exitConnectFail = -2
	exitLoopError   = -3
)

const defaultConnectTimeout = 3000 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	log.Setup(os.Getenv("SIGBRIDGE_LOG_LEVEL"), "json")
	logger := log.WithComponent("worker")

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <channel-identifier>\n", os.Args[0])
		return exitBadArgs
	}
	channelID := os.Args[1]

	conn, err := channel.Connect(channelID, connectTimeout())
	if err != nil {
		logger.Error("failed to connect to host channel", "channel_id", channelID, "error", err)
		return exitConnectFail
	}
	defer conn.Close()

	logger.Info("connected to host", "channel_id", channelID)

	loop := server.NewLoop(conn, envelope.NewDefaultRegistry(), parser.New())
	if err := loop.Run(); err != nil {
		logger.Error("message loop failed", "error", err)
		return exitLoopError
	}

	logger.Info("channel closed by host, exiting")
	return exitOK
}

// connectTimeout reads the host-provided timeout, falling back to the
// default the supervisor also uses.
func connectTimeout() time.Duration {
	v := os.Getenv("SIGBRIDGE_CONNECT_TIMEOUT_MS")
	if v == "" {
		return defaultConnectTimeout
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(ms) * time.Millisecond
}
