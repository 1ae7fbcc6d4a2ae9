package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/engine"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/schema"
)

// ──────────────────────────────────────────────────
// Built-in jobs served by `durable serve`
// ──────────────────────────────────────────────────

type signupPayload struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"max=128"`
}

type orderPayload struct {
	OrderID string   `json:"order_id"`
	Amount  float64  `json:"amount"`
	Items   []string `json:"items"`
}

const orderSchema = `
order_id: string & != ""
amount:   number & > 0
items:    [...string]
`

type shippedPayload struct {
	OrderID  string `json:"order_id"`
	Tracking string `json:"tracking"`
}

// registerJobs defines the jobs the server ships with.
func registerJobs(eng *engine.Engine) error {
	defs := []func(*engine.Engine) error{
		func(e *engine.Engine) error { return engine.Define(e, welcomeJob()) },
		func(e *engine.Engine) error { return engine.Define(e, fulfilmentJob()) },
		func(e *engine.Engine) error { return engine.Define(e, shippedJob()) },
	}
	for _, define := range defs {
		if err := define(eng); err != nil {
			return err
		}
	}
	return nil
}

func welcomeJob() *job.Definition[signupPayload] {
	return job.NewDefinition("welcome-email", "user.signup",
		func(io job.IO, p signupPayload) (any, error) {
			subject, err := job.Task(io, "render", func(context.Context) (string, error) {
				name := p.Name
				if name == "" {
					name = p.Email
				}
				return fmt.Sprintf("Welcome aboard, %s", name), nil
			})
			if err != nil {
				return nil, err
			}

			if err := io.Wait("settle", 5*time.Second); err != nil {
				return nil, err
			}

			messageID, err := job.Task(io, "send", func(context.Context) (string, error) {
				io.Logger().Info("sending welcome email",
					slog.String("to", p.Email),
					slog.String("subject", subject),
				)
				return "msg-" + io.RunID().String(), nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"message_id": messageID}, nil
		},
		job.WithName("Welcome email"),
		job.WithSchema(schema.Struct[signupPayload]()),
		job.WithRetry(5, backoff.NewExponential(time.Second, time.Minute)),
	)
}

func fulfilmentJob() *job.Definition[orderPayload] {
	return job.NewDefinition("order-fulfilment", "order.placed",
		func(io job.IO, p orderPayload) (any, error) {
			if _, err := job.Task(io, "reserve-stock", func(context.Context) (int, error) {
				io.Logger().Info("reserving stock",
					slog.String("order_id", p.OrderID),
					slog.Int("items", len(p.Items)),
				)
				return len(p.Items), nil
			}); err != nil {
				return nil, err
			}

			payment, paid, err := io.WaitForSignal("payment", 24*time.Hour)
			if err != nil {
				return nil, err
			}
			if !paid {
				io.Logger().Warn("payment window elapsed", slog.String("order_id", p.OrderID))
				return map[string]any{"order_id": p.OrderID, "status": "expired"}, nil
			}

			tracking, err := job.Task(io, "ship", func(context.Context) (string, error) {
				return "trk-" + p.OrderID, nil
			})
			if err != nil {
				return nil, err
			}

			evt, err := event.New("order.shipped", shippedPayload{OrderID: p.OrderID, Tracking: tracking})
			if err != nil {
				return nil, err
			}
			if _, err := io.TriggerJob("notify-shipped", evt); err != nil {
				return nil, err
			}
			return map[string]any{"order_id": p.OrderID, "status": "shipped", "payment": payment, "tracking": tracking}, nil
		},
		job.WithName("Order fulfilment"),
		job.WithSchema(schema.MustCUE(orderSchema)),
		job.WithTimeout(time.Minute),
	)
}

func shippedJob() *job.Definition[shippedPayload] {
	return job.NewDefinition("shipping-notice", "order.shipped",
		func(io job.IO, p shippedPayload) (any, error) {
			return job.Task(io, "notify", func(context.Context) (string, error) {
				io.Logger().Info("order shipped",
					slog.String("order_id", p.OrderID),
					slog.String("tracking", p.Tracking),
				)
				return p.Tracking, nil
			})
		},
		job.WithName("Shipping notice"),
	)
}
