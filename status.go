package vulnboard

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/vulnboard/pkg/audit"
)

// Remediation state of an alert. Any state may follow any other.
type Status string

const (
	StatusOpen          Status = "Open"
	StatusInProgress    Status = "In Progress"
	StatusClosed        Status = "Closed"
	StatusFalsePositive Status = "False Positive"
)

var Statuses = []Status{StatusOpen, StatusInProgress, StatusClosed, StatusFalsePositive}

var (
	ErrInvalidStatus = errors.New("invalid status")
	ErrAlertNotFound = errors.New("alert not found")
	ErrForbidden     = errors.New("not allowed to change alert status")
)

func ParseStatus(s string) (Status, error) {
	status := Status(strings.TrimSpace(s))
	if !slices.Contains(Statuses, status) {
		return "", errors.Wrapf(ErrInvalidStatus, "%q must be one of %s", s, statusList())
	}
	return status, nil
}

// Closed is the only resolved state. False positives still count as open work.
func (s Status) Resolved() bool {
	return s == StatusClosed
}

func statusList() string {
	names := make([]string, 0, len(Statuses))
	for _, s := range Statuses {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

// The user performing a change
type Actor struct {
	Name string
	Role string
}

type Authorizer interface {
	// Returns ErrForbidden when actor may not change the alert
	Authorize(ctx context.Context, actor Actor, alertID uint) error
}

// Grants status changes to a fixed set of roles
type RoleAuthorizer struct {
	roles []string
}

func NewRoleAuthorizer(roles ...string) *RoleAuthorizer {
	if len(roles) == 0 {
		roles = DefaultAllowedRoles
	}
	return &RoleAuthorizer{roles: roles}
}

func (a *RoleAuthorizer) Authorize(_ context.Context, actor Actor, _ uint) error {
	if strings.TrimSpace(actor.Name) == "" {
		return errors.Wrap(ErrForbidden, "anonymous actor")
	}
	for _, role := range a.roles {
		if strings.EqualFold(role, strings.TrimSpace(actor.Role)) {
			return nil
		}
	}
	return errors.Wrapf(ErrForbidden, "role %q", actor.Role)
}

type StatusUpdate struct {
	AlertID   uint      `json:"alertId"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

type StatusService struct {
	alerts *alertRepo
	auth   Authorizer
	now    func() time.Time
}

func newStatusService(alerts *alertRepo, auth Authorizer) *StatusService {
	return &StatusService{alerts: alerts, auth: auth, now: time.Now}
}

// UpdateStatus moves an alert to status and appends its history entry in the
// same transaction. The status is validated before anything is read.
func (s *StatusService) UpdateStatus(ctx context.Context, actor Actor, alertID uint, status string, remark *string) (*StatusUpdate, error) {
	next, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authorize(ctx, actor, alertID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ctx = audit.WithActor(ctx, actor.Name)

	err = s.alerts.WithTransaction(ctx, func(tx *gorm.DB) error {
		alert, err := s.alerts.getAlert(tx, alertID)
		if err != nil {
			return err
		}

		var old *Status
		if alert.Status != "" {
			prev := alert.Status
			old = &prev
		}

		if err := tx.Model(alert).Update("status", next).Error; err != nil {
			return errors.Wrap(err, "failed to update alert status")
		}

		entry := &StatusHistory{
			AlertID:       alertID,
			OldStatus:     old,
			NewStatus:     next,
			Remark:        remark,
			UpdatedAt:     now,
			UpdatedBy:     actor.Name,
			UpdatedByRole: actor.Role,
		}
		if err := tx.Create(entry).Error; err != nil {
			return errors.Wrap(err, "failed to record status history")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Msgf("alert %d set to %s by %s", alertID, next, actor.Name)
	return &StatusUpdate{
		AlertID:   alertID,
		Status:    next,
		UpdatedAt: now,
		UpdatedBy: actor.Name,
	}, nil
}

// History lists the transitions of an alert, newest first.
func (s *StatusService) History(ctx context.Context, alertID uint) ([]*StatusHistory, error) {
	return s.alerts.getHistory(ctx, alertID)
}
