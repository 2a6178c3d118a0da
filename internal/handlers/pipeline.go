package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/codebuildervaibhav/media-toolkit/internal/processing"
	"github.com/codebuildervaibhav/media-toolkit/internal/queue"
)

var bitratePattern = regexp.MustCompile(`^[0-9]+k$`)

// NewValidator returns a validator reporting fields by their JSON names,
// with the custom rules job parameters use.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("bitrate", func(fl validator.FieldLevel) bool {
		return bitratePattern.MatchString(fl.Field().String())
	})
	return v
}

// Pipeline turns a request into a job: decode, validate, dispatch
type Pipeline struct {
	registry   *processing.Registry
	dispatcher Dispatcher
	validate   *validator.Validate
}

// NewPipeline creates a pipeline
func NewPipeline(registry *processing.Registry, dispatcher Dispatcher) *Pipeline {
	return &Pipeline{
		registry:   registry,
		dispatcher: dispatcher,
		validate:   NewValidator(),
	}
}

// requestError is a 400 with a message shown to the caller as is
type requestError string

func (e requestError) Error() string { return string(e) }

// Handler returns the route handler for the named operation
func (p *Pipeline) Handler(operation string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		op, ok := p.registry.Lookup(operation)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"code": fiber.StatusNotFound, "message": "Unknown operation"})
		}

		params, err := p.decode(c.Body(), op)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
		}

		meta := &processing.Common{}
		if m, ok := params.(interface{ Meta() *processing.Common }); ok {
			meta = m.Meta()
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": 500, "message": err.Error()})
		}

		env, err := p.dispatcher.Submit(c.UserContext(), queue.Request{
			Operation:  op.Name,
			Endpoint:   utils.CopyString(c.Path()),
			Params:     raw,
			WebhookURL: meta.WebhookURL,
			CallerID:   meta.ID,
		})
		if err != nil {
			return p.submitError(c, err, meta)
		}
		return c.Status(env.Code).JSON(env)
	}
}

// decode unmarshals and validates body into the operation's params type,
// rejecting fields the type doesn't declare. Operations without parameters
// accept an empty body.
func (p *Pipeline) decode(body []byte, op processing.Operation) (any, error) {
	v := op.Params()
	if len(bytes.TrimSpace(body)) == 0 {
		if _, bare := v.(*processing.Common); !bare {
			return nil, requestError("Missing JSON in request")
		}
		return v, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return nil, requestError("Invalid payload: unknown field " + field)
		}
		return nil, requestError("Invalid JSON: " + err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, requestError("Invalid JSON: unexpected data after the top-level value")
	}
	if err := p.validate.Struct(v); err != nil {
		return nil, requestError("Invalid payload: " + describe(err))
	}
	return v, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "url":
			msgs = append(msgs, fe.Field()+" must be a valid URL")
		case "bitrate":
			msgs = append(msgs, fe.Field()+" must look like 128k")
		case "excluded_with":
			msgs = append(msgs, fmt.Sprintf("%s cannot be combined with %s", fe.Field(), strings.ToLower(fe.Param())))
		default:
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		}
	}
	return strings.Join(msgs, "; ")
}

func (p *Pipeline) submitError(c *fiber.Ctx, err error, meta *processing.Common) error {
	var id any
	if meta.ID != "" {
		id = meta.ID
	}

	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"code":    fiber.StatusTooManyRequests,
			"id":      id,
			"job_id":  nil,
			"message": fmt.Sprintf("MAX_QUEUE_LENGTH (%d) reached", p.dispatcher.MaxQueueLength()),
		})
	case errors.Is(err, queue.ErrStopped):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"code":    fiber.StatusServiceUnavailable,
			"id":      id,
			"message": "Service is shutting down",
		})
	case errors.Is(err, queue.ErrUnknownFamily):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"code":    fiber.StatusNotFound,
			"id":      id,
			"message": err.Error(),
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"code":    fiber.StatusInternalServerError,
			"id":      id,
			"message": err.Error(),
		})
	}
}
