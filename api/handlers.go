// Package api is the HTTP glue around the completion core: thin echo
// handlers that commit a mutation through the store, run the cascade,
// and translate core errors to status codes. Authentication, and any
// richer CRUD surface, belong to the host application.
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"strata-core/cascade"
	"strata-core/depgraph"
	"strata-core/domain"
	"strata-core/ledger"
	"strata-core/storage"
)

const requestBodyMaxSize = 64 * 1024

// Config carries the mutation-layer policy knobs.
type Config struct {
	// EnforceBlocking rejects Done transitions for tasks with open
	// blockers. The blocked predicate itself is always advisory;
	// turning it into a hard rule is this layer's decision.
	EnforceBlocking bool
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, store *storage.MemoryStore, engine *cascade.Engine, cache *storage.ProgressCache, cfg Config, logger *log.Logger) {
	e.POST("/api/workspaces", createWorkspace(store))
	e.POST("/api/workspaces/:id/projects", createProject(store))
	e.POST("/api/projects/:id/milestones", createMilestone(store))
	e.POST("/api/milestones/:id/sprints", createSprint(store))
	e.POST("/api/sprints/:id/tasks", createTask(store))

	e.GET("/api/sprints/:id/progress", sprintProgress(cache))
	e.GET("/api/milestones/:id/progress", milestoneProgress(cache))
	e.GET("/api/projects/:id/progress", projectProgress(cache))

	e.PATCH("/api/tasks/:id/status", patchTaskStatus(store, engine, cache, cfg, logger))
	e.PATCH("/api/tasks/:id/weight", patchTaskWeight(store, engine, cache, logger))

	e.POST("/api/tasks/:id/dependencies", addDependency(store))
	e.DELETE("/api/tasks/:id/dependencies", removeDependency(store))
	e.GET("/api/tasks/:id/blockers", getBlockers(store))

	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type nameRequest struct {
	Name string `json:"name"`
}

type idResponse struct {
	ID string `json:"id"`
}

func createWorkspace(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req nameRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		return c.JSON(http.StatusCreated, idResponse{ID: store.CreateWorkspace(req.Name)})
	}
}

func createProject(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req nameRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id, err := store.CreateProject(c.Param("id"), req.Name)
		if err != nil {
			return notFoundOrInternal(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

func createMilestone(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req nameRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id, err := store.CreateMilestone(c.Param("id"), req.Name)
		if err != nil {
			return notFoundOrInternal(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

func createSprint(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req nameRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		id, err := store.CreateSprint(c.Param("id"), req.Name)
		if err != nil {
			return notFoundOrInternal(c, err)
		}
		return c.JSON(http.StatusCreated, idResponse{ID: id})
	}
}

type createTaskRequest struct {
	Title    string          `json:"title"`
	Weight   float64         `json:"weight"`
	Priority domain.Priority `json:"priority"`
}

func createTask(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		task, err := store.CreateTask(c.Param("id"), req.Title, req.Weight, req.Priority)
		if err != nil {
			return weightErrorResponse(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

type progressResponse struct {
	ID         string  `json:"id"`
	Percentage float64 `json:"percentage"`
}

func sprintProgress(cache *storage.ProgressCache) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		pct, err := cache.SprintProgress(c.Request().Context(), id)
		if err != nil {
			return notFoundOrInternal(c, err)
		}
		return c.JSON(http.StatusOK, progressResponse{ID: id, Percentage: roundPct(pct)})
	}
}

func milestoneProgress(cache *storage.ProgressCache) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		pct, err := cache.MilestoneProgress(c.Request().Context(), id)
		if err != nil {
			return notFoundOrInternal(c, err)
		}
		return c.JSON(http.StatusOK, progressResponse{ID: id, Percentage: roundPct(pct)})
	}
}

func projectProgress(cache *storage.ProgressCache) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		pct, err := cache.ProjectProgress(c.Request().Context(), id)
		if err != nil {
			return notFoundOrInternal(c, err)
		}
		return c.JSON(http.StatusOK, progressResponse{ID: id, Percentage: roundPct(pct)})
	}
}

type statusRequest struct {
	Status domain.Status `json:"status"`
}

type cascadeResponse struct {
	Events      []domain.Event `json:"events"`
	Percentages struct {
		Sprint    float64 `json:"sprint"`
		Milestone float64 `json:"milestone"`
		Project   float64 `json:"project"`
	} `json:"percentages"`
}

func toCascadeResponse(res domain.CascadeResult) cascadeResponse {
	out := cascadeResponse{Events: res.Events}
	if out.Events == nil {
		out.Events = []domain.Event{}
	}
	out.Percentages.Sprint = roundPct(res.Percentages.Sprint)
	out.Percentages.Milestone = roundPct(res.Percentages.Milestone)
	out.Percentages.Project = roundPct(res.Percentages.Project)
	return out
}

func validTaskStatus(s domain.Status) bool {
	switch s {
	case domain.StatusTodo, domain.StatusInProgress, domain.StatusReview, domain.StatusDone:
		return true
	}
	return false
}

func patchTaskStatus(store *storage.MemoryStore, engine *cascade.Engine, cache *storage.ProgressCache, cfg Config, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		taskID := c.Param("id")
		metrics := newCascadeRequestMetrics("/api/tasks/:id/status", logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		var req statusRequest
		if err := decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !validTaskStatus(req.Status) {
			metrics.SetErrorStage("invalid_status")
			return c.String(http.StatusBadRequest, "invalid task status")
		}

		if cfg.EnforceBlocking && req.Status == domain.StatusDone && store.IsBlocked(taskID) {
			metrics.SetErrorStage("blocked")
			return c.JSON(http.StatusConflict, map[string]any{
				"error":    "task is blocked by open dependencies",
				"blockers": store.Blockers(taskID),
			})
		}

		old, err := store.SetTaskStatus(taskID, req.Status)
		if err != nil {
			metrics.SetErrorStage("commit")
			return notFoundOrInternal(c, err)
		}

		cascadeStart := time.Now()
		res, cascadeErr := engine.OnTaskStatusChanged(ctx, taskID, old, req.Status)
		metrics.ObserveCascade(time.Since(cascadeStart), res)
		if cascadeErr != nil {
			// A failed cascade given a committed mutation is a data
			// integrity defect, not a user error.
			metrics.SetErrorStage("cascade")
			c.Logger().Error(cascadeErr)
			return c.String(http.StatusInternalServerError, cascadeErr.Error())
		}

		invalidateBranch(c, store, cache, taskID)
		return c.JSON(http.StatusOK, toCascadeResponse(res))
	}
}

type weightRequest struct {
	Weight float64 `json:"weight"`
}

func patchTaskWeight(store *storage.MemoryStore, engine *cascade.Engine, cache *storage.ProgressCache, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		taskID := c.Param("id")
		metrics := newCascadeRequestMetrics("/api/tasks/:id/weight", logger)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		var req weightRequest
		if err := decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}

		if err := store.SetTaskWeight(taskID, req.Weight); err != nil {
			metrics.SetErrorStage("validate")
			return weightErrorResponse(c, err)
		}

		// Weights shift percentages without a status transition, so
		// the cascade still has to run.
		cascadeStart := time.Now()
		res, cascadeErr := engine.Recalculate(ctx, taskID)
		metrics.ObserveCascade(time.Since(cascadeStart), res)
		if cascadeErr != nil {
			metrics.SetErrorStage("cascade")
			c.Logger().Error(cascadeErr)
			return c.String(http.StatusInternalServerError, cascadeErr.Error())
		}

		invalidateBranch(c, store, cache, taskID)
		return c.JSON(http.StatusOK, toCascadeResponse(res))
	}
}

type dependencyRequest struct {
	DependsOn string                `json:"dependsOn"`
	Kind      domain.DependencyKind `json:"kind"`
}

func addDependency(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dependencyRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		kind := req.Kind
		if kind == "" {
			kind = domain.DependencyBlockedBy
		}
		if !kind.Valid() {
			return c.String(http.StatusBadRequest, "invalid dependency kind")
		}

		err := store.AddDependency(c.Param("id"), req.DependsOn, kind)
		switch {
		case err == nil:
			return c.NoContent(http.StatusCreated)
		case errors.Is(err, depgraph.ErrSelfDependency):
			return c.String(http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrNotFound):
			return c.String(http.StatusNotFound, err.Error())
		}
		var cycleErr depgraph.CycleError
		if errors.As(err, &cycleErr) {
			return c.JSON(http.StatusConflict, map[string]any{
				"error": cycleErr.Error(),
				"path":  cycleErr.Path,
			})
		}
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func removeDependency(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dependencyRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		kind := req.Kind
		if kind == "" {
			kind = domain.DependencyBlockedBy
		}
		err := store.RemoveDependency(c.Param("id"), req.DependsOn, kind)
		switch {
		case err == nil:
			return c.NoContent(http.StatusNoContent)
		case errors.Is(err, depgraph.ErrEdgeNotFound):
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.String(http.StatusBadRequest, err.Error())
	}
}

type blockersResponse struct {
	Blockers []string `json:"blockers"`
	Blocked  bool     `json:"blocked"`
}

func getBlockers(store *storage.MemoryStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		taskID := c.Param("id")
		blockers := store.Blockers(taskID)
		if blockers == nil {
			blockers = []string{}
		}
		return c.JSON(http.StatusOK, blockersResponse{
			Blockers: blockers,
			Blocked:  store.IsBlocked(taskID),
		})
	}
}

// invalidateBranch drops the cached percentages of the task's
// ancestor chain after a contributing mutation.
func invalidateBranch(c echo.Context, store *storage.MemoryStore, cache *storage.ProgressCache, taskID string) {
	branch, err := store.Branch(c.Request().Context(), taskID)
	if err != nil {
		return
	}
	cache.Invalidate(c.Request().Context(), branch.SprintID, branch.MilestoneID, branch.Project.ID)
}

func weightErrorResponse(c echo.Context, err error) error {
	var budgetErr ledger.WeightBudgetExceededError
	if errors.As(err, &budgetErr) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":      "weight budget exceeded",
			"currentSum": budgetErr.CurrentSum,
			"requested":  budgetErr.Requested,
		})
	}
	var rangeErr ledger.InvalidWeightError
	if errors.As(err, &rangeErr) {
		return c.String(http.StatusBadRequest, rangeErr.Error())
	}
	if errors.Is(err, ledger.ErrWeightImmutable) {
		return c.String(http.StatusConflict, err.Error())
	}
	return notFoundOrInternal(c, err)
}

func notFoundOrInternal(c echo.Context, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return c.String(http.StatusNotFound, err.Error())
	}
	c.Logger().Error(err)
	return c.String(http.StatusInternalServerError, err.Error())
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
