package api

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

const (
	maxSubjectLength = 998 // RFC 5322 line limit
	maxBodyLength    = 512 << 10
)

func validateScheduleEmail(req ScheduleEmailRequest) error {
	if strings.TrimSpace(req.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if err := validateRecipient(req.Recipient); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	if strings.TrimSpace(req.Subject) == "" {
		return errors.New("subject is required")
	}
	if len(req.Subject) > maxSubjectLength {
		return fmt.Errorf("subject exceeds %d characters", maxSubjectLength)
	}
	if strings.ContainsAny(req.Subject, "\r\n") {
		return errors.New("subject must be a single line")
	}

	if strings.TrimSpace(req.Body) == "" {
		return errors.New("body is required")
	}
	if len(req.Body) > maxBodyLength {
		return errors.New("body too large")
	}

	if req.LocalDateTime == "" {
		return errors.New("localDateTime is required")
	}
	if req.TimeZone == "" {
		return errors.New("timeZone is required")
	}

	return nil
}

// validateRecipient accepts a bare address only; display names are rejected.
func validateRecipient(addr string) error {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return err
	}
	if parsed.Name != "" || parsed.Address != addr {
		return errors.New("must be a bare email address")
	}
	return nil
}
