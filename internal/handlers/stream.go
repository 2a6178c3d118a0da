package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/media-toolkit/internal/queue"
)

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// streamEvents pushes job events over a websocket. With ?job_id= it sends
// that job's current state, then its transitions, and closes once the job
// is terminal.
func (s *Server) streamEvents(c *websocket.Conn) {
	defer c.Close()

	filter := c.Query("job_id")
	log := s.log.WithField("job_id", filter)
	log.Debug("WebSocket connection established")

	if s.deps.Broker == nil {
		c.WriteJSON(fiber.Map{"error": "event stream unavailable"})
		return
	}
	events, unsubscribe := s.deps.Broker.Subscribe(64)
	defer unsubscribe()

	if filter != "" {
		job, err := s.deps.Ledger.Get(context.Background(), filter)
		if err != nil {
			c.WriteJSON(fiber.Map{"error": "Job not found", "job_id": filter})
			return
		}
		if err := c.WriteJSON(queue.EventFor(job)); err != nil || job.Status.Terminal() {
			return
		}
	}

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			log.Debug("WebSocket closed by client")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && e.JobID != filter {
				continue
			}
			if err := c.WriteJSON(e); err != nil {
				log.WithError(err).Debug("WebSocket write error")
				return
			}
			if filter != "" && e.Status.Terminal() {
				return
			}
		}
	}
}
