package oncall

import (
	"errors"
	"fmt"
	"time"
)

type Contact struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name,omitempty" yaml:"name"`
	Channels map[string]string `json:"channels" yaml:"channels"`
}

type Schedule struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name,omitempty" yaml:"name"`
	RotationStart time.Time `json:"rotationStart" yaml:"rotation_start"`
	PeriodSeconds float64   `json:"periodSeconds" yaml:"period_seconds"`
	Contacts      []Contact `json:"contacts" yaml:"contacts"`
	CreatedAt     time.Time `json:"createdAt,omitempty" yaml:"-"`
}

func (s Schedule) Period() time.Duration {
	return time.Duration(s.PeriodSeconds * float64(time.Second))
}

func (s Schedule) Validate() error {
	if s.RotationStart.IsZero() {
		return errors.New("rotation_start is required")
	}
	if s.PeriodSeconds <= 0 {
		return errors.New("period_seconds must be positive")
	}
	if len(s.Contacts) == 0 {
		return errors.New("at least one contact is required")
	}
	for i, c := range s.Contacts {
		if c.ID == "" {
			return fmt.Errorf("contacts[%d]: id is required", i)
		}
		if len(c.Channels) == 0 {
			return fmt.Errorf("contacts[%d]: at least one channel address is required", i)
		}
	}
	return nil
}

// Resolve is a pure function of the schedule and at. Timestamps before the
// rotation start map to slot 0.
func Resolve(s Schedule, at time.Time) (Contact, error) {
	if err := s.Validate(); err != nil {
		return Contact{}, err
	}
	slot := 0
	if !at.Before(s.RotationStart) {
		slot = int(at.Sub(s.RotationStart)/s.Period()) % len(s.Contacts)
	}
	return s.Contacts[slot], nil
}

type Level struct {
	TimeoutSeconds float64   `json:"timeoutSeconds" yaml:"timeout_seconds"`
	ScheduleID     string    `json:"scheduleId,omitempty" yaml:"schedule_id"`
	Contacts       []Contact `json:"contacts,omitempty" yaml:"contacts"`
}

// Timeout is the delay before this level's dispatch, measured from the
// previous level's dispatch (level 0 counts from alert creation).
func (l Level) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds * float64(time.Second))
}

type Policy struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name"`
	Levels    []Level   `json:"levels" yaml:"levels"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
}

func (p Policy) Validate() error {
	if len(p.Levels) == 0 {
		return errors.New("at least one level is required")
	}
	for i, l := range p.Levels {
		if l.TimeoutSeconds < 0 {
			return fmt.Errorf("levels[%d]: timeout_seconds must not be negative", i)
		}
		if l.ScheduleID == "" && len(l.Contacts) == 0 {
			return fmt.Errorf("levels[%d]: schedule_id or contacts required", i)
		}
		for j, c := range l.Contacts {
			if c.ID == "" {
				return fmt.Errorf("levels[%d].contacts[%d]: id is required", i, j)
			}
		}
	}
	return nil
}
