package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/berfenger/luxbridge/internal/core/domain"
	"github.com/berfenger/luxbridge/pkg/transport"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type errorBody struct {
	Error string `json:"error"`
}

type versionBody struct {
	Version  string    `json:"version"`
	Revision string    `json:"revision"`
	Commit   time.Time `json:"last_commit"`
	Dirty    bool      `json:"dirty"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/version", s.VersionHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	api := e.Group("/api")
	api.GET("/devices", s.ListDevicesHandler)
	api.GET("/devices/:serial", s.DeviceSnapshotHandler)
	api.POST("/devices/:serial/refresh", s.RefreshDeviceHandler)
	api.PUT("/devices/:serial/parameters", s.WriteParametersHandler)
	api.GET("/devices/:serial/history", s.HistoryHandler)

	return e
}

func (s *Server) request(msg any) (any, error) {
	return s.rootContext.RequestFuture(s.masterActor, msg, s.requestTimeout).Result()
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) VersionHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, versionBody{
		Version:  versioninfo.Version,
		Revision: versioninfo.Revision,
		Commit:   versioninfo.LastCommit,
		Dirty:    versioninfo.DirtyBuild,
	})
}

func (s *Server) ListDevicesHandler(c echo.Context) error {
	res, err := s.request(domain.ListDevicesRequest{})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.ListDevicesResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "unexpected response"})
	}
	return c.JSON(http.StatusOK, resp.Devices)
}

func (s *Server) DeviceSnapshotHandler(c echo.Context) error {
	res, err := s.request(domain.GetDeviceSnapshotRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Serial: c.Param("serial")},
	})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.GetDeviceSnapshotResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "unexpected response"})
	}
	if errors.Is(resp.ResponseError, domain.ErrDeviceNotFound) {
		return errorJSON(c, resp.ResponseError)
	}
	// a device still connecting answers with what it has
	return c.JSON(http.StatusOK, resp.Snapshot)
}

func (s *Server) RefreshDeviceHandler(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	res, err := s.request(domain.RefreshDeviceRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Serial: c.Param("serial")},
		Force:              force,
	})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.RefreshDeviceResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "unexpected response"})
	}
	if resp.HasResponseError() {
		return errorJSON(c, resp.ResponseError)
	}
	return c.JSON(http.StatusOK, resp.Snapshot)
}

func (s *Server) WriteParametersHandler(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64*1024))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	values, err := domain.DecodeParameterValues(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	res, err := s.request(domain.WriteParametersRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Serial: c.Param("serial")},
		Values:             values,
	})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.WriteParametersResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "unexpected response"})
	}
	if resp.HasResponseError() {
		return errorJSON(c, resp.ResponseError)
	}
	return c.NoContent(http.StatusNoContent)
}

// HistoryHandler answers the cloud history of ?day=YYYY-MM-DD, today by
// default.
func (s *Server) HistoryHandler(c echo.Context) error {
	day := time.Now()
	if q := c.QueryParam("day"); q != "" {
		d, err := time.ParseInLocation(time.DateOnly, q, time.Local)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		}
		day = d
	}
	res, err := s.request(domain.ReadHistoryRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Serial: c.Param("serial")},
		Day:                day,
	})
	if err != nil {
		return errorJSON(c, err)
	}
	resp, ok := res.(domain.ReadHistoryResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "unexpected response"})
	}
	if resp.HasResponseError() {
		return errorJSON(c, resp.ResponseError)
	}
	points := resp.Points
	if points == nil {
		points = []transport.HistoryPoint{}
	}
	return c.JSON(http.StatusOK, points)
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrTransient):
		return http.StatusServiceUnavailable
	case transport.IsConnectionError(err):
		return http.StatusBadGateway
	case errors.Is(err, transport.ErrPermanent), errors.Is(err, transport.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, actor.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
