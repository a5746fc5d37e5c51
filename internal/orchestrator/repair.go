package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/models"
	"github.com/example/app-orchestrator/internal/publish"
)

var (
	ErrInvalidRepair = errors.New("orchestrator: project_id and test_description are required")
	ErrNoPublisher   = errors.New("orchestrator: no publisher configured")
)

// RepairRequest asks the debugger to fix one behaviour of an existing
// project. FileName, when set, points the debugger at a file.
type RepairRequest struct {
	ProjectID       string `json:"project_id"`
	TestDescription string `json:"test_description"`
	FileName        string `json:"file_name,omitempty"`
}

// Repair runs the debugger against a stored project as if the described
// test had failed, and returns the names of files whose content changed.
func (e *Engine) Repair(ctx context.Context, req RepairRequest) (changed []string, err error) {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.TestDescription) == "" {
		return nil, ErrInvalidRepair
	}
	ctx, span := e.tracer.Start(ctx, "orchestrator.repair", trace.WithAttributes(attribute.String("project.id", req.ProjectID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := e.log.With(zap.String("project_id", req.ProjectID))

	files, err := e.deps.Artifacts.Load(req.ProjectID)
	if err != nil {
		return nil, err
	}
	details := "User requested fix"
	if req.FileName != "" {
		details = fmt.Sprintf("User requested fix in %s", req.FileName)
	}
	result := (&models.VerificationResult{Cases: []models.TestCase{{Name: req.TestDescription, Details: details}}}).Finalize()
	plan := &models.Plan{Goal: "Fix specific issue", VerificationTests: []string{req.TestDescription}}

	patch, err := e.deps.Debugger.Fix(ctx, req.ProjectID, files, result, plan)
	if err != nil {
		RepairsTotal.WithLabelValues("on_demand", "error").Inc()
		log.Warn("repair failed", zap.Error(err))
		return nil, err
	}
	changed = files.Apply(patch)
	if len(changed) == 0 {
		RepairsTotal.WithLabelValues("on_demand", "no_fix").Inc()
		return []string{}, nil
	}
	RepairsTotal.WithLabelValues("on_demand", "fixed").Inc()
	log.Info("repaired project", zap.Strings("files", changed))
	return changed, nil
}

// Deploy publishes an existing project under name, or a name derived from
// the project id when empty.
func (e *Engine) Deploy(ctx context.Context, projectID, name string) (string, error) {
	if e.deps.Publisher == nil {
		return "", ErrNoPublisher
	}
	if _, err := e.deps.Artifacts.Load(projectID); err != nil {
		return "", err
	}
	dir, err := e.deps.Artifacts.Dir(projectID)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = "project-" + projectID
	}
	url, err := e.deps.Publisher.Publish(ctx, dir, publish.ProjectName(name))
	if err != nil {
		e.log.Warn("deploy failed", zap.String("project_id", projectID), zap.Error(err))
		return "", err
	}
	return url, nil
}
