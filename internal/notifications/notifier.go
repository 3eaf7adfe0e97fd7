package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lockerhq/lockerd/pkg/logger"
	"github.com/lockerhq/lockerd/pkg/mail"
)

// CredentialNotifier delivers access codes to users out of band. Delivery is
// best-effort from the coordination layer's point of view: a failed send never
// rolls back the assignment it announces.
type CredentialNotifier interface {
	NotifyCredential(ctx context.Context, email, pin string, expiresIn time.Duration) error
}

type emailNotifier struct {
	mailer mail.Mailer
	log    *zap.Logger
}

// NewEmailNotifier builds a CredentialNotifier backed by the SMTP mailer.
func NewEmailNotifier(mailer mail.Mailer) (CredentialNotifier, error) {
	if mailer == nil {
		return nil, errors.New("notifications: mailer is required")
	}
	return &emailNotifier{
		mailer: mailer,
		log:    logger.WithModule("notifications"),
	}, nil
}

func (n *emailNotifier) NotifyCredential(ctx context.Context, email, pin string, expiresIn time.Duration) error {
	if email == "" {
		return errors.New("notifications: recipient email is required")
	}

	msg := mail.Message{
		To:      []string{email},
		Subject: "Your locker access code",
		Body: fmt.Sprintf(
			"A locker has been assigned to you.\n\n"+
				"Access code: %s\n\n"+
				"The code is valid for %s and stops working once the object is retrieved.\n",
			pin, formatWindow(expiresIn)),
	}

	if err := n.mailer.Send(ctx, msg); err != nil {
		n.log.Warn("credential email failed", zap.String("email", email), zap.Error(err))
		return fmt.Errorf("notifications: send credential email: %w", err)
	}

	n.log.Info("credential email sent", zap.String("email", email))
	return nil
}

func formatWindow(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return pluralize(int(d.Hours()), "hour")
	case d >= time.Minute:
		return pluralize(int(d.Minutes()), "minute")
	default:
		return pluralize(int(d.Seconds()), "second")
	}
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
