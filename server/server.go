package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/metrics"
	"github.com/TFMV/furydrop/signal"
)

// Server exposes a signal.Mailbox over HTTP
type Server struct {
	logger    *zap.Logger
	app       *fiber.App
	mailbox   signal.Mailbox
	publicURL string
}

// NewServer creates the relay HTTP surface. publicURL is the base of the
// share links handed out for new rooms.
func NewServer(logger *zap.Logger, mailbox signal.Mailbox, publicURL string) *Server {
	s := &Server{
		logger:    logger,
		app:       fiber.New(fiber.Config{DisableStartupMessage: true}),
		mailbox:   mailbox,
		publicURL: strings.TrimRight(publicURL, "/"),
	}

	s.app.Use(recover.New())

	// Define an endpoint to check the relay status.
	s.app.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "running",
		})
	})

	s.app.Post("/rooms", s.handleCreateRoom)
	s.app.Get("/rooms/:id", s.handleGetRoom)
	s.app.Post("/signal", s.handlePostSignal)
	s.app.Get("/signal", s.handleGetSignal)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	return s
}

// App returns the underlying fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called or the listener fails
func (s *Server) Listen(addr string) error {
	s.logger.Info("Starting FuryDrop relay server", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleCreateRoom(c *fiber.Ctx) error {
	roomID, err := s.mailbox.CreateRoom(c.UserContext())
	if err != nil {
		s.logger.Error("Failed to create room", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(signal.ErrorResponse{Error: "Failed to create room"})
	}

	return c.JSON(signal.CreateRoomResponse{
		RoomID:   roomID,
		ShareURL: s.publicURL + "/room/" + roomID,
	})
}

func (s *Server) handleGetRoom(c *fiber.Ctx) error {
	room, err := s.mailbox.GetRoom(c.UserContext(), c.Params("id"))
	if errors.Is(err, signal.ErrRoomNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(signal.RoomResponse{Active: false})
	}
	if err != nil {
		s.logger.Error("Failed to read room", zap.String("room_id", c.Params("id")), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(signal.ErrorResponse{Error: "Failed to read room"})
	}

	return c.JSON(signal.RoomResponse{Active: room.Active, Created: room.Created})
}

func (s *Server) handlePostSignal(c *fiber.Ctx) error {
	var req signal.SignalRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "Invalid request")
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return badRequest(c, "Invalid request")
	}

	err := s.mailbox.Publish(c.UserContext(), req.Slot(), req.Payload)
	if errors.Is(err, signal.ErrInvalidSlot) {
		return badRequest(c, "Invalid request")
	}
	if err != nil {
		s.logger.Error("Failed to store signal", zap.String("room_id", req.RoomID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(signal.ErrorResponse{Error: "Failed to store signal"})
	}

	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleGetSignal(c *fiber.Ctx) error {
	room, peer, kind := c.Query("room"), c.Query("peer"), c.Query("kind")
	if room == "" || peer == "" || kind == "" {
		return badRequest(c, "Missing params")
	}

	slot := signal.Slot{RoomID: room, Peer: signal.PeerID(peer), Kind: signal.Kind(kind)}
	if raw := c.Query("seq"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return badRequest(c, "Invalid seq")
		}
		slot.Seq = seq
		slot.Sequenced = true
	}

	payload, ok, err := s.mailbox.Consume(c.UserContext(), slot)
	if errors.Is(err, signal.ErrInvalidSlot) {
		return badRequest(c, "Invalid request")
	}
	if err != nil {
		s.logger.Error("Failed to read signal", zap.String("room_id", room), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(signal.ErrorResponse{Error: "Failed to read signal"})
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(signal.SignalResponse{})
	}

	return c.JSON(signal.SignalResponse{Payload: payload})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(signal.ErrorResponse{Error: msg})
}

// StartAPIServer serves the relay on the configured port until ctx is done
func StartAPIServer(ctx context.Context, logger *zap.Logger, mailbox signal.Mailbox) error {
	metrics.Register()

	// Get the relay port from configuration; default to 8080 if not set.
	port := viper.GetInt("relay.port")
	if port == 0 {
		port = 8080
	}

	publicURL := viper.GetString("relay.public_url")
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://localhost:%d", port)
	}

	s := NewServer(logger, mailbox, publicURL)

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			logger.Warn("Failed to shut down relay server", zap.Error(err))
		}
	}()

	if err := s.Listen(fmt.Sprintf(":%d", port)); err != nil {
		return fmt.Errorf("failed to start relay server: %w", err)
	}
	return nil
}
