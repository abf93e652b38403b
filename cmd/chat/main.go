// Command chat is a line-oriented terminal client for the hub.
//
// Commands:
//
//	/w <nick> <text>   whisper
//	/react <id> <emoji> toggle a reaction
//	/reply <id>        set the reply target for the next message
//	/nick <name>       change display name
//	/ttl <minutes>     change the shared expiry policy
//	/quit              disconnect and exit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jacobkenney/emberchat/pkg/client"
)

func main() {
	serverURL := flag.String("url", "ws://localhost:8080/ws", "server WebSocket URL")
	nickname := flag.String("nick", "", "display name (required)")
	flag.Parse()

	if *nickname == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -nick <name> [-url ws://host:port/ws]")
		os.Exit(2)
	}

	rejected := make(chan string, 1)
	session, err := client.New(client.Options{
		URL:      *serverURL,
		Nickname: *nickname,
		Handlers: client.Handlers{
			PresenceChanged: func(roster []string) {
				fmt.Printf("\r* online: %s\n> ", strings.Join(roster, ", "))
			},
			MessageArrived: func(rec client.Record) {
				printRecord(rec)
			},
			MessageUpdated: func(id string, patch client.Patch) {
				if patch.Replacement != nil {
					fmt.Printf("\r* delivered as %s\n> ", patch.Replacement.ID)
					return
				}
				if patch.ReadCount != nil {
					fmt.Printf("\r* %s read by %d/%d\n> ", id, *patch.ReadCount, *patch.TotalRecipients)
				}
				if patch.Reactions != nil {
					fmt.Printf("\r* %s reactions: %v\n> ", id, patch.Reactions)
				}
			},
			JoinRejected: func(reason string) {
				rejected <- reason
			},
			StateChanged: func(state client.State) {
				if state == client.StateReconnecting {
					fmt.Printf("\r* reconnecting...\n> ")
				}
			},
		},
	})
	if err != nil {
		log.Fatalf("chat: %v", err)
	}
	defer session.Close()

	if err := session.Connect(); err != nil {
		log.Printf("chat: connect: %v (will retry)", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case reason := <-rejected:
			log.Fatalf("chat: join rejected: %s", reason)
		case <-interrupt:
			session.Disconnect()
			return
		case line, ok := <-lines:
			if !ok {
				session.Disconnect()
				return
			}
			if line == "/quit" {
				session.Disconnect()
				return
			}
			if line != "" {
				handleLine(session, line)
			}
			fmt.Print("> ")
		}
	}
}

func handleLine(session *client.Session, line string) {
	var err error
	switch {
	case strings.HasPrefix(line, "/w "):
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			fmt.Println("* usage: /w <nick> <text>")
			return
		}
		err = session.Send(client.SendOptions{Target: parts[1], Text: parts[2]})
	case strings.HasPrefix(line, "/react "):
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			fmt.Println("* usage: /react <id> <emoji>")
			return
		}
		err = session.React(parts[1], parts[2])
	case strings.HasPrefix(line, "/reply "):
		session.SetReplyTarget(strings.TrimSpace(strings.TrimPrefix(line, "/reply ")))
	case strings.HasPrefix(line, "/nick "):
		err = session.RenameSelf(strings.TrimSpace(strings.TrimPrefix(line, "/nick ")))
	case strings.HasPrefix(line, "/ttl "):
		minutes, convErr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/ttl ")))
		if convErr != nil {
			fmt.Println("* usage: /ttl <minutes>")
			return
		}
		err = session.SetTTLPolicy(minutes)
	default:
		err = session.Send(client.SendOptions{Text: line})
	}
	if err != nil {
		fmt.Printf("* send failed: %v\n", err)
	}
}

func printRecord(rec client.Record) {
	switch rec.Type {
	case client.RecordSystem:
		fmt.Printf("\r* %s\n> ", rec.Text)
	case client.RecordWhisper:
		fmt.Printf("\r[whisper] %s: %s\n> ", rec.Sender, rec.Text)
	default:
		suffix := ""
		if rec.Pending {
			suffix = " (sending...)"
		}
		fmt.Printf("\r%s: %s%s\n> ", rec.Sender, rec.Text, suffix)
	}
}
