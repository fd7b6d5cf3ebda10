/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tejzpr/agent-softphone/calling"
)

const helpText = `Commands:
  dial [number]        call number, or the keypad buffer when omitted
  key <k>              press a keypad key (0-9 * # + or "back")
  answer | reject | ignore
  hangup
  mute | unmute
  dtmf <digits>
  devices              list audio devices
  input <id> | output <id>
  level on|off         microphone level monitor
  tone                 play the output test tone
  history [cursor]     fetch a page of call history
  health               show connection health
  reconnect            reconnect now
  login <token>        store the agent credential and register
  logout               end any call and unregister
  status
  quit`

// console reads commands line by line and drives the calling client
type console struct {
	client   *calling.Client
	logger   *zap.Logger
	identity string
	in       io.Reader
	out      io.Writer

	nextCursor string
}

func newConsole(client *calling.Client, logger *zap.Logger, identity string, in io.Reader, out io.Writer) *console {
	return &console{client: client, logger: logger, identity: identity, in: in, out: out}
}

// run processes commands until quit, EOF or ctx is done
func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, `softphone ready, type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}

	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, helpText)
	case "quit", "exit":
		return true
	case "dial":
		var s calling.CallSession
		s, err = c.client.Calls().MakeCall(opCtx, arg)
		if err == nil {
			fmt.Fprintf(c.out, "calling %s (%s)\n", s.RemoteParty, s.ID)
		}
	case "key":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: key <k>")
			break
		}
		var used bool
		used, err = c.client.Calls().PressKey(arg)
		if err == nil && !used {
			fmt.Fprintf(c.out, "key %q ignored\n", arg)
		}
		if d := c.client.Calls().DialString(); d != "" {
			fmt.Fprintf(c.out, "keypad: %s\n", d)
		}
	case "answer":
		err = c.client.Calls().AcceptCall(opCtx)
	case "reject":
		err = c.client.Calls().RejectCall()
	case "ignore":
		c.client.Calls().IgnoreCall()
	case "hangup":
		err = c.client.Calls().HangupCall()
	case "mute":
		err = c.client.Calls().MuteCall()
	case "unmute":
		err = c.client.Calls().UnmuteCall()
	case "dtmf":
		err = c.client.Calls().SendDigits(strings.Join(args, ""))
	case "devices":
		err = c.listDevices(opCtx)
	case "input":
		err = c.client.Audio().SelectInput(opCtx, arg)
	case "output":
		err = c.client.Audio().SelectOutput(opCtx, arg)
	case "level":
		if arg == "off" {
			c.client.Audio().StopLevelMonitor()
		} else {
			// the monitor outlives this command
			err = c.client.Audio().StartLevelMonitor(ctx)
		}
	case "tone":
		err = c.client.Audio().TestOutput(opCtx)
	case "history":
		err = c.history(opCtx, arg)
	case "health":
		h := c.client.Supervisor().Health()
		fmt.Fprintf(c.out, "websocket=%s device=%s healthy=%t attempts=%d exhausted=%t last heartbeat=%s\n",
			h.WebsocketState, h.DeviceState, h.IsHealthy, h.ReconnectAttempts, h.Exhausted, formatTime(h.LastHeartbeatAt))
	case "reconnect":
		var started bool
		started, err = c.client.Supervisor().ReconnectNow(opCtx)
		if err == nil && !started {
			fmt.Fprintln(c.out, "reconnect already in progress")
		}
	case "login":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: login <token>")
			break
		}
		err = c.client.Login(opCtx, c.identity, arg)
		if err == nil {
			fmt.Fprintf(c.out, "logged in as %s\n", c.identity)
		}
	case "logout":
		err = c.client.Logout()
	case "status":
		s := c.client.Calls().Current()
		fmt.Fprintf(c.out, "registration=%s call=%s remote=%s duration=%ds muted=%t quality=%s\n",
			c.client.Registrar().Status(), s.Status, s.RemoteParty, s.DurationSeconds, s.Muted, s.Quality)
	default:
		fmt.Fprintf(c.out, "unknown command %q, type \"help\"\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		c.logger.Debug("command failed", zap.String("command", cmd), zap.Error(err))
	}
	return false
}

func (c *console) listDevices(ctx context.Context) error {
	inputs, outputs, err := c.client.Audio().Enumerate(ctx)
	if err != nil {
		return err
	}
	in, out := c.client.Audio().Selection()
	for _, d := range inputs {
		fmt.Fprintf(c.out, "%s input  %s (%s)\n", marker(d.DeviceID == in.DeviceID), d.DeviceID, d.Label)
	}
	for _, d := range outputs {
		fmt.Fprintf(c.out, "%s output %s (%s)\n", marker(d.DeviceID == out.DeviceID), d.DeviceID, d.Label)
	}
	return nil
}

func (c *console) history(ctx context.Context, cursor string) error {
	if cursor == "next" {
		if c.nextCursor == "" {
			fmt.Fprintln(c.out, "no more history")
			return nil
		}
		cursor = c.nextCursor
	}
	page, err := c.client.History().FetchPage(ctx, cursor)
	if err != nil {
		return err
	}
	for _, r := range page.Records {
		fmt.Fprintf(c.out, "%s %-8s %s -> %s %s %ds\n",
			formatTime(r.StartedAt), r.Direction, r.From, r.To, r.Disposition, r.DurationSeconds)
	}
	c.nextCursor = page.NextCursor
	if page.NextCursor != "" {
		fmt.Fprintln(c.out, `more available, type "history next"`)
	}
	return nil
}

func marker(selected bool) string {
	if selected {
		return "*"
	}
	return " "
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
