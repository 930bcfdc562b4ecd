package server

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/broadcast"
	"github.com/vlsampaio/whatsapp-broadcast-bot/internal/stats"
	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

// Server exposes a small read-only HTTP surface for monitoring the bot from
// outside the WhatsApp chat: connection state, queue depth, and the same
// statistics report the chat commands produce.
type Server struct {
	app        *fiber.App
	sender     broadcast.Sender
	pool       *broadcast.Pool
	cache      *broadcast.GroupCache
	dispatcher *broadcast.Dispatcher
	metrics    *stats.Session
	store      *stats.Store
}

func New(sender broadcast.Sender, pool *broadcast.Pool, cache *broadcast.GroupCache,
	dispatcher *broadcast.Dispatcher, metrics *stats.Session, store *stats.Store) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadTimeout:           10 * time.Second,
		}),
		sender:     sender,
		pool:       pool,
		cache:      cache,
		dispatcher: dispatcher,
		metrics:    metrics,
		store:      store,
	}

	s.app.Use(recover.New())
	s.app.Get("/status", s.handleStatus)
	s.app.Get("/stats", s.handleStats)

	return s
}

// Listen blocks serving HTTP until Shutdown is called.
func (s *Server) Listen(address string) error {
	log.Print("server").Info("Monitoring endpoint listening on " + address)
	return s.app.Listen(address)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"connected":       s.sender.IsConnected(),
		"sending":         s.dispatcher.IsSending(),
		"queued_messages": s.pool.Len(),
		"target_groups":   s.cache.Len(),
		"total_members":   s.cache.TotalParticipants(),
		"messages_sent":   s.metrics.MessagesSent(),
		"uptime_seconds":  int(s.metrics.Uptime().Seconds()),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.store == nil {
		return fiber.NewError(fiber.StatusNotFound, "group statistics are disabled")
	}

	days := 0
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 || parsed > 30 {
			return fiber.NewError(fiber.StatusBadRequest, "days must be between 0 and 30")
		}
		days = parsed
	}
	detailed := c.QueryBool("detailed")

	return c.JSON(fiber.Map{
		"days":     days,
		"detailed": detailed,
		"report":   s.store.Report(days, detailed),
	})
}
