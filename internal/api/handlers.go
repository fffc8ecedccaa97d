package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

// scoped returns the caller's identity. The optional userType/userId
// query parameters must name that same identity.
func scoped(c *fiber.Ctx) (model.Recipient, error) {
	id, err := identityFrom(c)
	if err != nil {
		return id, err
	}
	if qt := c.Query("userType"); qt != "" {
		t, err := model.ParseUserType(qt)
		if err != nil {
			return id, fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if t != id.Type {
			return id, fmt.Errorf("%w: userType does not match token", errs.ErrForbidden)
		}
	}
	if qi := c.Query("userId"); qi != "" {
		n, err := strconv.ParseInt(qi, 10, 64)
		if err != nil {
			return id, fiber.NewError(fiber.StatusBadRequest, "invalid userId")
		}
		if n != id.ID {
			return id, fmt.Errorf("%w: userId does not match token", errs.ErrForbidden)
		}
	}
	return id, nil
}

func idParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (s *Server) list(c *fiber.Ctx) error {
	id, err := scoped(c)
	if err != nil {
		return err
	}
	out, err := s.svc.List(c.UserContext(), id)
	if err != nil {
		return err
	}
	if out == nil {
		out = []*model.Notification{}
	}
	return c.JSON(out)
}

// unreadCount answers with a bare integer.
func (s *Server) unreadCount(c *fiber.Ctx) error {
	id, err := scoped(c)
	if err != nil {
		return err
	}
	n, err := s.svc.UnreadCount(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(n)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	id, err := identityFrom(c)
	if err != nil {
		return err
	}
	nid, err := idParam(c)
	if err != nil {
		return err
	}
	if err := s.svc.MarkRead(c.UserContext(), id, nid); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) markAllRead(c *fiber.Ctx) error {
	id, err := scoped(c)
	if err != nil {
		return err
	}
	n, err := s.svc.MarkAllRead(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"updated": n})
}

func (s *Server) delete(c *fiber.Ctx) error {
	id, err := identityFrom(c)
	if err != nil {
		return err
	}
	nid, err := idParam(c)
	if err != nil {
		return err
	}
	if err := s.svc.Delete(c.UserContext(), id, nid); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) deleteAll(c *fiber.Ctx) error {
	id, err := scoped(c)
	if err != nil {
		return err
	}
	n, err := s.svc.DeleteAll(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": n})
}

// publish is the producer entry point: 201 for a new record, 200 when
// the idempotency key was already used.
func (s *Server) publish(c *fiber.Ctx) error {
	var in model.NewNotification
	if err := c.BodyParser(&in); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidNotification, err)
	}
	n, err := s.svc.Publish(c.UserContext(), &in)
	if errors.Is(err, errs.ErrDuplicate) {
		return c.Status(fiber.StatusOK).JSON(n)
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(n)
}

func (s *Server) getPresence(c *fiber.Ctx) error {
	if s.presence == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "presence tracking disabled")
	}
	t, err := model.ParseUserType(c.Params("userType"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	uid, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid userId")
	}
	r := model.Recipient{Type: t, ID: uid}
	if err := r.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	p, err := s.presence.Get(c.UserContext(), r)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return c.JSON(p)
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()
	body := fiber.Map{"status": "ok"}
	if s.wsrv != nil {
		body["ws"] = s.wsrv.Hub().Stats()
	}
	if err := s.svc.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}
