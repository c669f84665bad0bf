package rfctime

import (
	"strings"
	"time"
)

// RFC3339 is a time.Time marshalled as an RFC3339 timestamp with
// millisecond precision, as the state store records node timestamps.
type RFC3339 time.Time

func New(t time.Time) RFC3339 {
	return RFC3339(t.Truncate(time.Millisecond))
}

func (t RFC3339) Time() time.Time {
	return time.Time(t)
}

func (t RFC3339) Equal(o RFC3339) bool {
	return t.Time().Equal(o.Time())
}

func (t RFC3339) String() string {
	return t.Time().Format("2006-01-02T15:04:05.000Z07:00")
}

func (t RFC3339) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *RFC3339) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*t = RFC3339(time.Time{})
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func Parse(s string) (RFC3339, error) {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return RFC3339{}, err
	}
	return RFC3339(parsed), nil
}
