package parameter

import (
	"context"
	"fmt"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// maxCalendarDays bounds GetDay and AddDay offsets
const maxCalendarDays = 3660

// calendar answers date questions over one snapshot of the system dates
type calendar struct {
	today    parameter.Date
	holidays map[string]struct{}
}

func newCalendar(dates []parameter.SystemDate, fallback parameter.Date) (calendar, bool) {
	c := calendar{today: fallback, holidays: make(map[string]struct{})}
	found := false
	for _, d := range dates {
		switch d.Name {
		case parameter.DayTypeToday:
			if !found {
				c.today = d.Day
				found = true
			}
		case parameter.DayTypeHoliday:
			c.holidays[d.Day.String()] = struct{}{}
		}
	}
	return c, found
}

// isHoliday reports whether day is a weekend or a declared holiday
func (c calendar) isHoliday(day parameter.Date) bool {
	if day.IsWeekend() {
		return true
	}
	_, ok := c.holidays[day.String()]
	return ok
}

// skip walks from day in step until it lands on a working day
func (c calendar) skip(day parameter.Date, step int) parameter.Date {
	for c.isHoliday(day) {
		day = day.AddDays(step)
	}
	return day
}

func (c calendar) addWorkingDays(days int) parameter.Date {
	step := 1
	if days < 0 {
		step = -1
	}
	result := c.today
	for remaining := abs(days); remaining > 0; {
		result = result.AddDays(step)
		if !c.isHoliday(result) {
			remaining--
		}
	}
	return result
}

func (s *CacheService) calendar(ctx context.Context) (calendar, error) {
	dates, err := s.GetSystemDates(ctx)
	if err != nil {
		return calendar{}, err
	}
	c, found := newCalendar(dates, parameter.NewDate(s.now()))
	if !found {
		logger.L(ctx, s.logger).Warn("No TODAY system date cached, using the machine date",
			zap.String("today", c.today.String()))
	}
	return c, nil
}

// Today returns the date tagged TODAY, or the machine date when none is cached
func (s *CacheService) Today(ctx context.Context) (parameter.Date, error) {
	c, err := s.calendar(ctx)
	if err != nil {
		return parameter.Date{}, err
	}
	return c.today, nil
}

// IsHoliday reports whether day falls on a weekend or a declared holiday
func (s *CacheService) IsHoliday(ctx context.Context, day parameter.Date) (bool, error) {
	c, err := s.calendar(ctx)
	if err != nil {
		return false, err
	}
	return c.isHoliday(day), nil
}

// GetDay returns today moved by days calendar days. When that lands on a
// holiday it moves on to the next working day: forward for positive days,
// backward otherwise.
func (s *CacheService) GetDay(ctx context.Context, days int) (parameter.Date, error) {
	if err := checkOffset(days); err != nil {
		return parameter.Date{}, err
	}
	c, err := s.calendar(ctx)
	if err != nil {
		return parameter.Date{}, err
	}
	step := 1
	if days <= 0 {
		step = -1
	}
	return c.skip(c.today.AddDays(days), step), nil
}

// AddDay returns the date |days| working days after today, or before it for
// negative days.
func (s *CacheService) AddDay(ctx context.Context, days int) (parameter.Date, error) {
	if err := checkOffset(days); err != nil {
		return parameter.Date{}, err
	}
	c, err := s.calendar(ctx)
	if err != nil {
		return parameter.Date{}, err
	}
	return c.addWorkingDays(days), nil
}

func checkOffset(days int) error {
	if abs(days) > maxCalendarDays {
		return fmt.Errorf("%w: day offset %d is out of range", shared.ErrInvalidInput, days)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
