package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/models"
	"github.com/lockerhq/lockerd/internal/notifications"
	"github.com/lockerhq/lockerd/internal/realtime"
	apperrors "github.com/lockerhq/lockerd/pkg/errors"
	"github.com/lockerhq/lockerd/pkg/logger"
	"github.com/lockerhq/lockerd/pkg/metrics"
)

// Broadcaster is the slice of the realtime hub the coordination layer uses.
type Broadcaster interface {
	Broadcast(lockerID string, message realtime.Message)
	SubscriberCount(lockerID string) int
}

// CoordinationService drives the end-to-end locker workflows: claiming a
// locker for a user, opening it with a presented code, and reconciling device
// reports. Device and notifier failures degrade to alerts; they never unwind
// a state transition that already happened.
type CoordinationService struct {
	state    *LockerStateService
	creds    *CredentialService
	history  *HistoryService
	hub      Broadcaster
	notifier notifications.CredentialNotifier
	db       *gorm.DB
	pinTTL   time.Duration
	log      *zap.Logger
}

// NewCoordinationService wires the coordination layer. The notifier may be
// nil when credential delivery is not configured.
func NewCoordinationService(
	db *gorm.DB,
	state *LockerStateService,
	creds *CredentialService,
	history *HistoryService,
	hub Broadcaster,
	notifier notifications.CredentialNotifier,
	pinTTL time.Duration,
) (*CoordinationService, error) {
	if db == nil || state == nil || creds == nil || history == nil || hub == nil {
		return nil, errors.New("coordination service: db, state, creds, history and hub are required")
	}
	return &CoordinationService{
		state:    state,
		creds:    creds,
		history:  history,
		hub:      hub,
		notifier: notifier,
		db:       db,
		pinTTL:   pinTTL,
		log:      logger.WithModule("coordination"),
	}, nil
}

// ClaimLocker assigns an available locker to the user identified by email,
// issues a fresh access code, emails it, and commands the device to open for
// storage. The assignment is durable before any side effect runs; notifier or
// device trouble is recorded as an alert on the locker instead of failing the
// claim.
func (s *CoordinationService) ClaimLocker(ctx context.Context, email string) (*models.Locker, error) {
	ctx = ensureContext(ctx)

	user, err := s.findOrCreateUser(ctx, email)
	if err != nil {
		metrics.ClaimAttempts.WithLabelValues("error").Inc()
		return nil, err
	}

	locker, err := s.state.Claim(ctx, user.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoCapacity) {
			metrics.ClaimAttempts.WithLabelValues("no_capacity").Inc()
		} else {
			metrics.ClaimAttempts.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	pin, err := s.creds.Issue(ctx, user.ID)
	if err != nil {
		metrics.ClaimAttempts.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.history.Record(ctx, locker.ID, models.HistoryLockerAssigned); err != nil {
		s.log.Error("record assignment history", zap.String("locker_id", locker.ID), zap.Error(err))
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyCredential(ctx, user.Email, pin, s.pinTTL); err != nil {
			s.alert(ctx, locker.ID, "credential notification failed", map[string]any{
				"email": user.Email,
				"error": err.Error(),
			})
		}
	}

	s.announce(ctx, locker.ID,
		realtime.NewEvent(locker.ID, realtime.EventLockerAssigned, map[string]any{"email": user.Email}),
		realtime.NewOpenCommand(locker.ID, realtime.ModeStore),
	)

	metrics.ClaimAttempts.WithLabelValues("success").Inc()
	return locker, nil
}

// UnlockWithPIN resolves the presented code to its holder's locker, commands
// the device to open for retrieval, and optimistically releases the locker so
// the pool regains capacity without waiting for a device confirmation.
func (s *CoordinationService) UnlockWithPIN(ctx context.Context, pin string) (*models.Locker, error) {
	ctx = ensureContext(ctx)

	user, err := s.creds.Validate(ctx, pin)
	if err != nil {
		if errors.Is(err, apperrors.ErrAmbiguousCredential) {
			metrics.UnlockAttempts.WithLabelValues("ambiguous").Inc()
			s.log.Error("access code held by multiple users", zap.Int("pin_length", len(pin)))
		} else {
			metrics.UnlockAttempts.WithLabelValues("unauthorized").Inc()
			s.recordFailedAttempt(ctx, pin)
		}
		return nil, err
	}

	locker, err := s.state.GetByUser(ctx, user.ID)
	if err != nil {
		metrics.UnlockAttempts.WithLabelValues("error").Inc()
		if errors.Is(err, apperrors.ErrNotFound) {
			// A live credential without a locker means some transition
			// half-applied. Surface it instead of guessing.
			s.log.Error("valid credential with no assigned locker", zap.String("user_id", user.ID))
			return nil, apperrors.ErrInconsistent
		}
		return nil, err
	}

	if err := s.history.Record(ctx, locker.ID, models.HistoryLockerOpened); err != nil {
		s.log.Error("record open history", zap.String("locker_id", locker.ID), zap.Error(err))
	}

	s.announce(ctx, locker.ID,
		realtime.NewEvent(locker.ID, realtime.EventLockerOpened, nil),
		realtime.NewOpenCommand(locker.ID, realtime.ModeRetrieve),
	)

	released, err := s.release(ctx, locker.ID, models.HistoryLockerReleased)
	if err != nil {
		metrics.UnlockAttempts.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.UnlockAttempts.WithLabelValues("success").Inc()
	return released, nil
}

// ReportMovement reconciles a device's object sensor with the stored state.
// An object present forces the locker occupied; an object absent releases it.
// Both directions are idempotent.
func (s *CoordinationService) ReportMovement(ctx context.Context, lockerID string, hasObject bool) (*models.Locker, error) {
	ctx = ensureContext(ctx)

	if hasObject {
		locker, changed, err := s.state.MarkOccupied(ctx, lockerID)
		if err != nil {
			return nil, err
		}
		if changed {
			if err := s.history.Record(ctx, lockerID, models.HistoryObjectStored); err != nil {
				s.log.Error("record store history", zap.String("locker_id", lockerID), zap.Error(err))
			}
		}
		return locker, nil
	}

	return s.release(ctx, lockerID, models.HistoryObjectRetrieved)
}

// HandleObjectRetrieved is the realtime hub's callback for device retrieval
// notifications. Retrieval after an optimistic release is a no-op.
func (s *CoordinationService) HandleObjectRetrieved(lockerID string) {
	// Hub callbacks run on connection read loops with no request context.
	ctx := context.Background()
	if _, err := s.release(ctx, lockerID, models.HistoryObjectRetrieved); err != nil {
		s.log.Error("handle retrieval", zap.String("locker_id", lockerID), zap.Error(err))
	}
}

// GetLocker returns the current record for a locker.
func (s *CoordinationService) GetLocker(ctx context.Context, lockerID string) (*models.Locker, error) {
	return s.state.Get(ctx, lockerID)
}

// ListHistory exposes the locker's transition trail.
func (s *CoordinationService) ListHistory(ctx context.Context, lockerID string, limit, offset int) ([]models.LockerHistory, error) {
	if _, err := s.state.Get(ctx, lockerID); err != nil {
		return nil, err
	}
	return s.history.ListHistory(ctx, lockerID, limit, offset)
}

// ListAlerts exposes the locker's degraded-mode alerts.
func (s *CoordinationService) ListAlerts(ctx context.Context, lockerID string, limit, offset int) ([]models.LockerAlert, error) {
	if _, err := s.state.Get(ctx, lockerID); err != nil {
		return nil, err
	}
	return s.history.ListAlerts(ctx, lockerID, limit, offset)
}

// release performs the transition back to available and, when it actually
// happened, records history and announces the release on the channel.
func (s *CoordinationService) release(ctx context.Context, lockerID, action string) (*models.Locker, error) {
	locker, changed, err := s.state.Release(ctx, lockerID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return locker, nil
	}

	if err := s.history.Record(ctx, lockerID, action); err != nil {
		s.log.Error("record release history",
			zap.String("locker_id", lockerID), zap.String("action", action), zap.Error(err))
	}

	s.hub.Broadcast(lockerID, realtime.NewEvent(lockerID, realtime.EventLockerReleased, nil))
	return locker, nil
}

// announce broadcasts the given messages and raises an alert when no device
// or observer is listening on the locker's channel.
func (s *CoordinationService) announce(ctx context.Context, lockerID string, messages ...realtime.Message) {
	if s.hub.SubscriberCount(lockerID) == 0 {
		s.alert(ctx, lockerID, "device unreachable", map[string]any{
			"subscribers": 0,
		})
	}
	for _, msg := range messages {
		s.hub.Broadcast(lockerID, msg)
	}
}

// recordFailedAttempt pins a failed unlock to the locker of whoever last held
// the code, expired holders included, so repeated guessing shows up in that
// locker's history.
func (s *CoordinationService) recordFailedAttempt(ctx context.Context, pin string) {
	if pin == "" {
		return
	}

	var holders []models.LockerUser
	err := s.db.WithContext(ctx).
		Where("pin = ?", pin).
		Limit(2).
		Find(&holders).Error
	if err != nil || len(holders) != 1 {
		return
	}

	locker, err := s.state.GetByUser(ctx, holders[0].ID)
	if err != nil {
		return
	}
	if err := s.history.Record(ctx, locker.ID, models.HistoryFailedAttempt); err != nil {
		s.log.Error("record failed attempt", zap.String("locker_id", locker.ID), zap.Error(err))
	}
}

func (s *CoordinationService) alert(ctx context.Context, lockerID, description string, metadata map[string]any) {
	if err := s.history.Alert(ctx, lockerID, description, metadata); err != nil {
		s.log.Error("record alert",
			zap.String("locker_id", lockerID), zap.String("description", description), zap.Error(err))
	}
}

// findOrCreateUser resolves the email to a locker user, creating the record
// on first contact. A concurrent create losing the unique-email race falls
// back to reading the winner's row.
func (s *CoordinationService) findOrCreateUser(ctx context.Context, email string) (*models.LockerUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.NewBadRequest("Email is required")
	}

	var user models.LockerUser
	err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("coordination service: find user: %w", err)
	}

	user = models.LockerUser{Email: email}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueConstraintError(err) {
			var existing models.LockerUser
			if err := s.db.WithContext(ctx).First(&existing, "email = ?", email).Error; err != nil {
				return nil, fmt.Errorf("coordination service: reload user: %w", err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("coordination service: create user: %w", err)
	}

	return &user, nil
}
