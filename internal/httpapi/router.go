package httpapi

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
)

// Config holds the HTTP server tunables
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
}

// DefaultConfig returns the default server tunables
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BodyLimit:    16 * 1024,
	}
}

// NewApp builds the fiber app serving svc
func NewApp(svc Service, config Config) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		BodyLimit:             config.BodyLimit,
	})

	h := &Handlers{Service: svc}
	app.Post("/payments", h.CreatePayment)
	app.Get("/payments/:id", h.GetPayment)
	app.Post("/withdrawals", h.Withdraw)
	app.Get("/network", h.Network)
	return app
}
