package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"formdesk/internal/document/model"
	"formdesk/pkg/apperr"

	"github.com/lib/pq"
)

// classify maps database errors onto the application error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, op+": not found", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "55P03", pqErr.Code == "40001", pqErr.Code == "40P01":
			// lock_not_available, serialization_failure, deadlock_detected
			return apperr.Wrap(apperr.KindBusy, "document is busy, retry later", err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return apperr.Wrap(apperr.KindTransient, "storage unavailable", err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return apperr.Wrap(apperr.KindTransient, "storage unavailable", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func planError(err error) error {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return apperr.Wrap(apperr.KindValidation, verr.Error(), verr)
	}
	return err
}
