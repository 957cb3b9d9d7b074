// vitacall-call is a headless call participant for exercising a running
// relay: it registers, places or answers a call with synthetic media, prints
// every state transition, and hangs up on Ctrl-C.
//
// Place a call:
//
//	vitacall-call --relay ws://127.0.0.1:8080/ws --role caller --id dr-1 --call patient-1
//
// Wait for one:
//
//	vitacall-call --relay ws://127.0.0.1:8080/ws --role callee --id patient-1
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/vitacall/call-relay/internal/call"
	"github.com/vitacall/call-relay/internal/callclient"
	"github.com/vitacall/call-relay/internal/config"
)

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("vitacall-call", flag.ExitOnError)
	relayURL := fs.String("relay", "ws://127.0.0.1:8080/ws", "relay websocket URL")
	roleFlag := fs.String("role", "caller", "caller or callee")
	externalID := fs.String("id", "", "external id to register under (required)")
	displayName := fs.String("name", "", "display name (defaults to --id)")
	target := fs.String("call", "", "external id to call (caller role)")
	hangupAfter := fs.Duration("hangup-after", 0, "end the call after this duration (0 = wait for Ctrl-C)")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(os.Args[1:])

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	role := call.Role(*roleFlag)
	if !role.Valid() {
		fmt.Fprintf(os.Stderr, "invalid --role %q\n", *roleFlag)
		os.Exit(2)
	}
	if *externalID == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		os.Exit(2)
	}
	if role == call.RoleCaller && *target == "" {
		fmt.Fprintln(os.Stderr, "--call is required for the caller role")
		os.Exit(2)
	}
	name := *displayName
	if name == "" {
		name = *externalID
	}

	pcf, err := callclient.NewPionConnector(logger)
	if err != nil {
		logger.Error("webrtc setup failed", "err", err)
		os.Exit(2)
	}

	client := callclient.New(callclient.Config{
		Role:        role,
		DisplayName: name,
		ExternalID:  *externalID,
		ICEServers:  stunServers(),
	}, callclient.NewWSSignaler(*relayURL, logger), callclient.NewSyntheticMedia(), pcf, logger)
	defer client.Close()

	events, cancelEvents := client.Events(32)
	defer cancelEvents()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	client.OnCallComplete(func() { close(done) })

	go func() {
		if err := run(ctx, client, role, *target, events, logger); err != nil {
			logger.Error("call failed", "err", err)
			stop()
		}
	}()

	if *hangupAfter > 0 {
		select {
		case <-time.After(*hangupAfter):
			logger.Info("hangup timer elapsed")
		case <-ctx.Done():
		case <-done:
		}
	} else {
		select {
		case <-ctx.Done():
		case <-done:
		}
	}

	client.EndCall()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func run(ctx context.Context, client *callclient.Client, role call.Role, target string, events <-chan callclient.Event, logger *slog.Logger) error {
	go func() {
		for ev := range events {
			switch ev.Kind {
			case callclient.EventStateChanged:
				logger.Info("call state", "call_id", ev.CallID, "state", string(ev.State))
			case callclient.EventIncomingCall:
				from := ""
				if ev.From != nil {
					from = ev.From.ExternalID
				}
				logger.Info("incoming call", "call_id", ev.CallID, "from", from)
			case callclient.EventMediaControl:
				logger.Info("remote media state", "call_id", ev.CallID, "video", ev.Media.Video, "audio", ev.Media.Audio)
			case callclient.EventError:
				logger.Warn("call event error", "call_id", ev.CallID, "err", ev.Err)
			}
		}
	}()

	if role == call.RoleCaller {
		sess, err := client.StartCall(ctx, target)
		if err != nil {
			return err
		}
		logger.Info("call placed", "call_id", sess.CallID, "target", target)
		return nil
	}

	// Callee: wait for the first incoming offer, then join it.
	inner, cancel := client.Events(8)
	defer cancel()

	logger.Info("waiting for a call")
	for {
		select {
		case ev, ok := <-inner:
			if !ok {
				return errors.New("client closed")
			}
			if ev.Kind != callclient.EventIncomingCall {
				continue
			}
			sess, err := client.JoinCall(ctx, ev.CallID)
			if err != nil {
				return err
			}
			logger.Info("call answered", "call_id", sess.CallID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func stunServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: config.DefaultSTUNURLs}}
}
