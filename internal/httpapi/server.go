// Package httpapi exposes a read-only HTTP mirror of the operator
// console for dashboards and scripts. The wire protocol remains the only
// write path.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rope-park/Chat-service-sub000/internal/state"
	"github.com/rope-park/Chat-service-sub000/internal/store"
)

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	reg  *state.Registry
	st   *store.Store
}

// New constructs the Echo app and registers all routes.
func New(reg *state.Registry, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{echo: e, reg: reg, st: st}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/users", s.handleUsers)
	s.echo.GET("/api/users/recent", s.handleRecentUsers)
	s.echo.GET("/api/users/:nick", s.handleUser)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/rooms/:name", s.handleRoom)
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Users:  s.reg.UserCount(),
		Rooms:  s.reg.RoomCount(),
	})
}

// UserResponse is one persisted user row.
type UserResponse struct {
	Nickname   string `json:"nickname"`
	Connected  bool   `json:"connected"`
	SockNo     int64  `json:"sock_no"`
	Registered string `json:"registered"`
}

func toUserResponse(u store.User) UserResponse {
	return UserResponse{
		Nickname:   u.Nickname,
		Connected:  u.Connected,
		SockNo:     u.SockNo,
		Registered: u.Timestamp,
	}
}

func (s *Server) handleUsers(c echo.Context) error {
	users, err := s.st.Users(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]UserResponse, len(users))
	for i, u := range users {
		out[i] = toUserResponse(u)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRecentUsers(c echo.Context) error {
	n := 10
	if raw := c.QueryParam("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be a positive integer")
		}
		n = v
	}
	users, err := s.st.RecentUsers(c.Request().Context(), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]UserResponse, len(users))
	for i, u := range users {
		out[i] = toUserResponse(u)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleUser(c echo.Context) error {
	u, err := s.st.GetUser(c.Request().Context(), c.Param("nick"))
	if errors.Is(err, store.ErrUserNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toUserResponse(u))
}

// RoomResponse is one persisted room row, with the live member list when
// the room is populated.
type RoomResponse struct {
	RoomNo      int64    `json:"room_no"`
	Name        string   `json:"name"`
	Manager     string   `json:"manager"`
	MemberCount int      `json:"member_count"`
	Created     string   `json:"created"`
	Members     []string `json:"members,omitempty"`
}

func toRoomResponse(r store.Room) RoomResponse {
	return RoomResponse{
		RoomNo:      r.RoomNo,
		Name:        r.Name,
		Manager:     r.Manager,
		MemberCount: r.MemberCount,
		Created:     r.CreatedTime,
	}
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms, err := s.st.Rooms(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RoomResponse, len(rooms))
	for i, r := range rooms {
		out[i] = toRoomResponse(r)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRoom(c echo.Context) error {
	r, err := s.st.GetRoomByName(c.Request().Context(), c.Param("name"))
	if errors.Is(err, store.ErrRoomNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := toRoomResponse(r)
	if members, ok := s.reg.RoomMembers(r.RoomNo); ok {
		resp.Members = members
	}
	return c.JSON(http.StatusOK, resp)
}
