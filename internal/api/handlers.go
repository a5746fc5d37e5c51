package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/orchestrator"
	"github.com/example/app-orchestrator/internal/publish"
	"github.com/example/app-orchestrator/internal/workspace"
)

const defaultListLimit = 50

type DebugResponse struct {
	Success    bool     `json:"success"`
	FixedFiles []string `json:"fixed_files,omitempty"`
	Message    string   `json:"message,omitempty"`
}

func (s *Server) handleDebug(c echo.Context) error {
	var req orchestrator.RepairRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	fixed, err := s.pipeline.Repair(c.Request().Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRepair):
		return echo.NewHTTPError(http.StatusBadRequest, "project_id and test_description are required")
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, workspace.ErrInvalidName):
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	case err != nil:
		s.logger.Warn("repair failed", zap.String("project_id", req.ProjectID), zap.Error(err))
		return c.JSON(http.StatusBadGateway, DebugResponse{Success: false, Message: err.Error()})
	case len(fixed) == 0:
		return c.JSON(http.StatusOK, DebugResponse{Success: false, Message: "Debugger could not fix the issue"})
	}
	return c.JSON(http.StatusOK, DebugResponse{Success: true, FixedFiles: fixed})
}

type DeployRequest struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name,omitempty"`
}

type DeployResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleDeploy(c echo.Context) error {
	var req DeployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id is required")
	}
	url, err := s.pipeline.Deploy(c.Request().Context(), req.ProjectID, req.ProjectName)
	var perr *publish.Error
	switch {
	case errors.Is(err, orchestrator.ErrNoPublisher):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no publisher configured")
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, workspace.ErrInvalidName):
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusBadGateway, perr.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, DeployResponse{URL: url})
}

func (s *Server) handleListProjects(c echo.Context) error {
	limit := defaultListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = n
	}
	projects, err := s.memory.ListSuccesses(c.Request().Context(), c.QueryParam("user_id"), limit)
	if err != nil {
		return err
	}
	if projects == nil {
		projects = []models.Success{}
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": projects})
}

// preferenceScope reads ?scope=, falling back to the scope of ?user_id=.
func preferenceScope(c echo.Context) string {
	if scope := c.QueryParam("scope"); scope != "" {
		return scope
	}
	return models.UserScope(c.QueryParam("user_id"))
}

func (s *Server) handleListPreferences(c echo.Context) error {
	scope := preferenceScope(c)
	prefs, err := s.memory.Preferences(c.Request().Context(), scope)
	if err != nil {
		return err
	}
	if prefs == nil {
		prefs = map[string]string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"scope": scope, "preferences": prefs})
}

func (s *Server) handleGetPreference(c echo.Context) error {
	scope, key := preferenceScope(c), c.Param("key")
	value, ok, err := s.memory.GetPreference(c.Request().Context(), scope, key)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "preference not found")
	}
	return c.JSON(http.StatusOK, models.Preference{Scope: scope, Key: key, Value: value})
}

func (s *Server) handlePutPreference(c echo.Context) error {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	pref := models.Preference{Scope: preferenceScope(c), Key: c.Param("key"), Value: body.Value}
	if err := s.memory.SetPreference(c.Request().Context(), pref.Scope, pref.Key, pref.Value); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pref)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	wf, err := s.memory.GetWorkflow(c.Request().Context(), c.QueryParam("user_id"), c.Param("name"))
	if err != nil {
		return err
	}
	if wf == nil {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) handlePutWorkflow(c echo.Context) error {
	var body struct {
		Definition json.RawMessage `json:"definition"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	wf := &models.Workflow{Name: c.Param("name"), UserID: c.QueryParam("user_id"), Definition: body.Definition}
	if err := s.memory.SaveWorkflow(c.Request().Context(), wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, wf)
}
