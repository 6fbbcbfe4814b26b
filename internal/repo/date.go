package repo

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Timestamp stores timestamps as RFC3339 text so the timezone offset
// survives the round trip through the database.
type Timestamp time.Time

func Now() Timestamp {
	return Timestamp(time.Now().UTC())
}

func (t Timestamp) Value() (driver.Value, error) {
	return time.Time(t).Format(time.RFC3339), nil
}

func (t *Timestamp) Scan(value any) error {
	if value == nil {
		*t = Timestamp(time.Time{})
		return nil
	}

	if str, ok := value.(string); ok {
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			parsed, err = time.Parse("2006-01-02 15:04:05", str)
			if err != nil {
				return err
			}
		}
		*t = Timestamp(parsed)
		return nil
	}

	if tm, ok := value.(time.Time); ok {
		*t = Timestamp(tm)
		return nil
	}

	return fmt.Errorf("cannot scan type %T into Timestamp", value)
}

func (t Timestamp) String() string {
	return time.Time(t).Format(time.RFC3339)
}

func (t Timestamp) Time() time.Time {
	return time.Time(t)
}
