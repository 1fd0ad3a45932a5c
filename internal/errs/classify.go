package errs

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// mysqlErrorCategories maps the MySQL server error numbers this gateway
// cares about to a Category. Numbers come from MySQL's own error reference;
// anything not listed falls through to content sniffing.
var mysqlErrorCategories = map[uint16]Category{
	1044: CategoryAccessDenied,
	1045: CategoryAccessDenied,
	1142: CategoryAccessDenied,
	1143: CategoryAccessDenied,
	1046: CategoryObjectNotFound,
	1049: CategoryObjectNotFound,
	1051: CategoryObjectNotFound,
	1146: CategoryObjectNotFound,
	1054: CategoryObjectNotFound,
	1064: CategorySyntaxError,
	1149: CategorySyntaxError,
	1062: CategoryConstraintViolation,
	1048: CategoryConstraintViolation,
	1216: CategoryConstraintViolation,
	1217: CategoryConstraintViolation,
	1451: CategoryConstraintViolation,
	1452: CategoryConstraintViolation,
	1213: CategoryDeadlock,
	1205: CategoryLockWaitTimeout,
	1317: CategoryQueryInterrupted,
	3024: CategoryQueryInterrupted,
	1040: CategoryResourceExhausted,
	1203: CategoryResourceExhausted,
	1226: CategoryResourceExhausted,
}

// classifyByContent derives a Category from a raw backend error: a
// *mysql.MySQLError carries a precise server error number; context
// deadline/cancellation and driver connection failures are matched by type
// and message, in that order.
func classifyByContent(err error) Category {
	if err == context.DeadlineExceeded {
		return CategoryTimeout
	}
	if err == context.Canceled {
		return CategoryQueryInterrupted
	}

	var mysqlErr *mysql.MySQLError
	if asMySQLError(err, &mysqlErr) {
		if cat, ok := mysqlErrorCategories[mysqlErr.Number]; ok {
			return cat
		}
		if mysqlErr.Number >= 2000 && mysqlErr.Number < 2100 {
			return CategoryConnectionError
		}
		return CategoryUnknown
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "driver: bad connection"),
		strings.Contains(msg, "invalid connection"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return CategoryConnectionError
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout"):
		return CategoryTimeout
	case strings.Contains(msg, "deadlock"):
		return CategoryDeadlock
	case strings.Contains(msg, "lock wait timeout"):
		return CategoryLockWaitTimeout
	default:
		return CategoryUnknown
	}
}

func asMySQLError(err error, target **mysql.MySQLError) bool {
	for err != nil {
		if me, ok := err.(*mysql.MySQLError); ok {
			*target = me
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// errorNumberString formats a numeric MySQL error code as decimal text.
func errorNumberString(n uint16) string {
	return strconv.FormatUint(uint64(n), 10)
}
