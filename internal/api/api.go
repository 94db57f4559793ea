// Package api is the local HTTP surface of the capture device: the capture
// UI posts punches here and reads queue and sync status.
//
// Routes:
//
//	GET  /health             liveness, never authenticated
//	GET  /status             sync status
//	POST /sync               manual sync trigger (202)
//	POST /punches            capture; 201 admitted, 422 rejected, 500 not saved
//	GET  /punches/unsynced   queue items awaiting upload
//	GET  /locations          cached locations of ?department=
//	GET  /photos/*           stored punch photos, when a photo directory is set
//
// When a JWT secret is configured every route except /health and /photos
// requires an HS256 bearer token.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/akattendance/punchsync/internal/admission"
	"github.com/akattendance/punchsync/internal/engine"
	"github.com/akattendance/punchsync/internal/punch"
	"github.com/akattendance/punchsync/internal/trigger"
)

// Admitter admits captures. Implemented by *admission.Gate.
type Admitter interface {
	Admit(ctx context.Context, c admission.Capture) (admission.Admission, error)
}

// Queue is the read side of the local store.
type Queue interface {
	ListUnsynced(ctx context.Context) ([]punch.QueuedPunch, error)
	PunchLocations(ctx context.Context, departmentID string) ([]punch.Location, error)
}

// StatusSource reports sync status. Implemented by *engine.Engine.
type StatusSource interface {
	Status(ctx context.Context) (engine.Status, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	Gate      Admitter
	Queue     Queue
	Status    StatusSource
	Triggers  trigger.Poster
	JWTSecret string

	// PhotoDir, when set, is served read-only under /photos.
	PhotoDir string
}

// Server is the HTTP surface.
type Server struct {
	echo *echo.Echo
	deps Deps
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// New creates a server and registers its routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps}

	e.GET("/health", s.health)
	if deps.PhotoDir != "" {
		e.Static("/photos", deps.PhotoDir)
	}

	g := e.Group("")
	if deps.JWTSecret != "" {
		g.Use(bearerAuth([]byte(deps.JWTSecret)))
	}
	g.GET("/status", s.status)
	g.POST("/sync", s.sync)
	g.POST("/punches", s.createPunch)
	g.GET("/punches/unsynced", s.unsynced)
	g.GET("/locations", s.locations)

	return s
}

// Handler returns the router for use with httptest or a custom server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errc <- s.echo.Start(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	st, err := s.deps.Status.Status(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) sync(c echo.Context) error {
	if !s.deps.Triggers.Post(trigger.Trigger{Kind: trigger.Manual}) {
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "SHUTTING_DOWN"})
	}
	return c.JSON(http.StatusAccepted, echo.Map{"triggered": true})
}

func (s *Server) createPunch(c echo.Context) error {
	var capture admission.Capture
	if err := c.Bind(&capture); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "invalid capture body"})
	}
	if capture.LaborID == "" || capture.DepartmentID == "" || capture.At.IsZero() {
		return c.JSON(http.StatusBadRequest, errorBody{
			Error:   "BAD_REQUEST",
			Message: "labor_id, department_id and at are required",
		})
	}

	if len(capture.Descriptor) != punch.DescriptorLength {
		return c.JSON(http.StatusBadRequest, errorBody{
			Error:   "BAD_REQUEST",
			Message: fmt.Sprintf("descriptor must have %d values", punch.DescriptorLength),
		})
	}

	adm, err := s.deps.Gate.Admit(c.Request().Context(), capture)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, adm)
}

type punchView struct {
	ID           int64     `json:"id"`
	Key          string    `json:"key"`
	LaborID      string    `json:"labor_id"`
	DepartmentID string    `json:"department_id"`
	Date         string    `json:"date"`
	Time         string    `json:"time"`
	Type         string    `json:"type"`
	LocationName string    `json:"location_name"`
	Confidence   float64   `json:"confidence"`
	HasPhoto     bool      `json:"has_photo"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) unsynced(c echo.Context) error {
	items, err := s.deps.Queue.ListUnsynced(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]punchView, 0, len(items))
	for _, qp := range items {
		out = append(out, punchView{
			ID:           qp.ID,
			Key:          qp.Key,
			LaborID:      qp.LaborID,
			DepartmentID: qp.DepartmentID,
			Date:         qp.Date,
			Time:         qp.Time,
			Type:         string(qp.Type),
			LocationName: qp.LocationName,
			Confidence:   qp.Confidence,
			HasPhoto:     qp.HasPhoto(),
			CreatedAt:    qp.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) locations(c echo.Context) error {
	dept := c.QueryParam("department")
	if dept == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "department is required"})
	}
	locs, err := s.deps.Queue.PunchLocations(c.Request().Context(), dept)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, locs)
}

// fail maps an error to a response: rejections are 422 with their code and
// details, everything else is 500.
func (s *Server) fail(c echo.Context, err error) error {
	var pe *punch.Error
	if errors.As(err, &pe) {
		if punch.IsRejection(err) {
			return c.JSON(http.StatusUnprocessableEntity, errorBody{
				Error:   string(pe.Code),
				Message: pe.Message,
				Details: pe.Details,
			})
		}
		slog.Error("request failed", "path", c.Path(), "code", pe.Code, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: string(pe.Code), Message: pe.Message})
	}

	slog.Error("request failed", "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: err.Error()})
}
