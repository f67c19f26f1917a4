package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/notify"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/strategy"
)

// Diagnostics 汇总诊断接口依赖。
type Diagnostics struct {
	Router   *strategy.Router
	Notifier notify.Notifier
	Logger   *logrus.Logger
}

// RegisterDiagnosticsRoutes 在 /-/ 下暴露分区、计数器、生命周期与推送接口。
func RegisterDiagnosticsRoutes(app *fiber.App, d Diagnostics) {
	if app == nil || d.Router == nil {
		return
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{Logger: d.Logger}
	}

	app.Get("/-/partitions", func(c fiber.Ctx) error {
		infos, err := d.Router.Partitions(c.Context())
		if err != nil {
			return d.fail(c, "partitions_failed", err)
		}
		cfg := d.Router.Config()
		return c.JSON(fiber.Map{
			"version":    cfg.Version,
			"partitions": infos,
		})
	})

	app.Get("/-/stats", func(c fiber.Ctx) error {
		return c.JSON(d.Router.Stats())
	})

	app.Post("/-/lifecycle/:phase", func(c fiber.Ctx) error {
		phase := strings.ToLower(strings.TrimSpace(c.Params("phase")))
		switch phase {
		case "install":
			report, err := d.Router.Install(c.Context())
			if err != nil {
				return d.fail(c, "install_failed", err)
			}
			return c.JSON(report)
		case "activate":
			report, err := d.Router.Activate(c.Context())
			if err != nil {
				return d.fail(c, "activate_failed", err)
			}
			return c.JSON(report)
		case "sweep":
			removed, err := d.Router.SweepExpired(c.Context())
			if err != nil {
				return d.fail(c, "sweep_failed", err)
			}
			return c.JSON(fiber.Map{"expired": removed})
		default:
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_phase", "phase": phase})
		}
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		payload, err := notify.Decode(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		if err := d.Notifier.Notify(c.Context(), payload); err != nil {
			return d.fail(c, "notify_failed", err)
		}
		return c.Status(fiber.StatusAccepted).JSON(payload)
	})
}

func (d Diagnostics) fail(c fiber.Ctx, code string, err error) error {
	d.Logger.WithFields(logrus.Fields{
		"action":     "diagnostics",
		"path":       string(c.Request().URI().Path()),
		"request_id": server.RequestID(c),
	}).WithError(err).Error(code)

	status := fiber.StatusInternalServerError
	if errors.Is(err, strategy.ErrPrecacheFailed) {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "message": err.Error()})
}
