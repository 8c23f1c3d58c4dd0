package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/minesafe/pkg/storage"
)

// Business codes carried in the envelope's code field.
const (
	CodeOK               = 200
	CodeInvalidParameter = 200000
	CodeNotFound         = 200001
	CodeNotLogin         = 200002
	CodeServerError      = 200500
)

// Envelope wraps every JSON response.
type Envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data,omitempty"`
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
	List       []T `json:"list"`
}

func newPage[T any](list []T, page, pageSize, total int) Page[T] {
	if list == nil {
		list = []T{}
	}
	return Page[T]{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
		List:       list,
	}
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(Envelope[any]{Code: CodeOK, Msg: "success", Data: data})
}

func fail(c *fiber.Ctx, status, code int, msg string) error {
	return c.Status(status).JSON(Envelope[any]{Code: code, Msg: msg})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return fail(c, fiber.StatusBadRequest, CodeInvalidParameter, msg)
}

// storageError maps a storage failure to a response; unexpected errors are
// logged and hidden behind msg.
func (s *Server) storageError(c *fiber.Ctx, err error, msg string) error {
	var nf storage.NotFoundError
	switch {
	case errors.As(err, &nf):
		return fail(c, fiber.StatusNotFound, CodeNotFound, nf.Error())
	case errors.Is(err, storage.ErrInvalidStatus):
		return badRequest(c, err.Error())
	default:
		s.logger.Error(msg, "path", c.Path(), "error", err)
		return fail(c, fiber.StatusInternalServerError, CodeServerError, msg)
	}
}

// handleError renders errors returned by handlers and fiber itself, such as
// unknown routes, in the envelope.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := CodeServerError
		switch fe.Code {
		case fiber.StatusNotFound:
			code = CodeNotFound
		case fiber.StatusBadRequest, fiber.StatusMethodNotAllowed, fiber.StatusUnprocessableEntity:
			code = CodeInvalidParameter
		}
		return fail(c, fe.Code, code, fe.Message)
	}

	s.logger.Error("unhandled API error", "path", c.Path(), "error", err)
	return fail(c, fiber.StatusInternalServerError, CodeServerError, "internal error")
}
