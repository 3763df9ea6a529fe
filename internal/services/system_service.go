package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/nn-hair/storefront/internal/domain"
	"github.com/nn-hair/storefront/internal/repositories"
)

var errHealthRepositoryRequired = errors.New("system service: health repository is required")

// SystemServiceDeps wires the dependency checks behind /healthz and /readyz.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Sessions, when set, contributes the open cart count.
	Sessions *CartSessions
	Clock    func() time.Time
	Build    BuildInfo
}

type systemService struct {
	checks   repositories.HealthRepository
	sessions *CartSessions
	now      func() time.Time
	build    BuildInfo
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errHealthRepositoryRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		checks:   deps.HealthRepository,
		sessions: deps.Sessions,
		now:      func() time.Time { return clock().UTC() },
		build:    build,
	}, nil
}

// HealthReport runs the dependency checks and stamps the result with build metadata, uptime
// and the open cart count. Values the checks already set are kept.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.checks.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	fill(&report.Version, s.build.Version)
	fill(&report.CommitSHA, s.build.CommitSHA)
	fill(&report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if s.sessions != nil {
		report.OpenCarts = s.sessions.Len()
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = overallStatus(report.Checks)
	}
	return report, nil
}

func fill(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}

// overallStatus is error if any check errored, degraded if any check is not ok, else ok.
func overallStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
