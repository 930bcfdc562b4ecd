package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/config"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

// Prompt is the operator console: a line-oriented loop on stdin for
// inspecting bot state, browsing statistics, and editing the configuration
// without touching config.json by hand.
type Prompt struct {
	manager    *config.Manager
	store      *stats.Store
	metrics    *stats.Session
	pool       *broadcast.Pool
	cache      *broadcast.GroupCache
	dispatcher *broadcast.Dispatcher
	shutdown   func()

	in  io.Reader
	out io.Writer
}

func New(manager *config.Manager, store *stats.Store, metrics *stats.Session,
	pool *broadcast.Pool, cache *broadcast.GroupCache, dispatcher *broadcast.Dispatcher,
	shutdown func()) *Prompt {
	return &Prompt{
		manager:    manager,
		store:      store,
		metrics:    metrics,
		pool:       pool,
		cache:      cache,
		dispatcher: dispatcher,
		shutdown:   shutdown,
		in:         os.Stdin,
		out:        os.Stdout,
	}
}

// Run reads commands until stdin closes or ctx is cancelled. It is meant to
// run on its own goroutine alongside the supervisor.
func (p *Prompt) Run(ctx context.Context) {
	scanner := bufio.NewScanner(p.in)
	p.printf("Type 'help' for available commands.\n")

	for {
		p.printf("> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(strings.ToLower(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "help":
			p.printHelp()
		case "status":
			p.printStatus()
		case "stats":
			days := 1
			if len(fields) > 1 {
				parsed, err := strconv.Atoi(fields[1])
				if err != nil || parsed < 1 || parsed > 30 {
					p.printf("Usage: stats [days 1-30]\n")
					continue
				}
				days = parsed
			}
			p.printStats(days)
		case "menu":
			p.runMenu(scanner)
		case "exit", "quit", "sair":
			p.printf("Shutting down...\n")
			p.shutdown()
			return
		default:
			p.printf("Unknown command %q. Type 'help' for the list.\n", fields[0])
		}
	}
}

func (p *Prompt) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *Prompt) printHelp() {
	p.printf(`Commands:
  status        Show connection and queue state
  stats [days]  Show group statistics table (default 1 day)
  menu          Open the settings menu
  exit          Stop the bot (also: quit, sair)
`)
}

func (p *Prompt) printStatus() {
	state := "idle"
	if p.dispatcher.IsSending() {
		state = "broadcasting"
	}
	p.printf("State: %s\n", state)
	p.printf("Target groups: %d (%d members)\n", p.cache.Len(), p.cache.TotalParticipants())
	p.printf("Queued messages: %d\n", p.pool.Len())
	p.printf("Messages sent this session: %d\n", p.metrics.MessagesSent())
	p.printf("Uptime: %s\n", p.metrics.Uptime().Round(1e9))
}

func (p *Prompt) printStats(days int) {
	if p.store == nil || !p.manager.Snapshot().GroupStatistics {
		p.printf("Group statistics are disabled. Enable them in the settings menu.\n")
		return
	}
	p.printf("%s\n", p.store.ConsoleTable(days))
}

func (p *Prompt) readLine(scanner *bufio.Scanner) (string, bool) {
	if !scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(scanner.Text()), true
}

func logMenuError(err error) {
	if err != nil {
		log.Print("prompt").WithError(err).Error("Could not save configuration")
	}
}
