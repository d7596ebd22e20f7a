package attendance

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultAbsentCutoff = "08:30"

	StatusNotYet = "not_yet"
	StatusAbsent = "absent"
)

// WeekendDays are skipped by the daily report.
var WeekendDays = map[time.Weekday]bool{time.Friday: true, time.Saturday: true}

// Student is a roster entry as shown on the daily report.
type Student struct {
	ID      int64  `json:"student_id"`
	Name    string `json:"name"`
	Class   string `json:"class"`
	Section string `json:"section"`
}

// DailyRecord is one student's status for the day.
type DailyRecord struct {
	Student
	Status      string `json:"status"`
	LateMinutes int    `json:"late_minutes"`
}

// DailyReport lists every student's status for one local day.
type DailyReport struct {
	Date    string        `json:"date"`
	Weekend bool          `json:"weekend,omitempty"`
	Records []DailyRecord `json:"records"`
}

// DailySource reads the roster and recent matched events.
type DailySource interface {
	ListStudents(ctx context.Context) ([]Student, error)
	MatchedEventsSince(ctx context.Context, datePrefix string) ([]Event, error)
}

// Daily derives today's status per student: present with lateness from the
// earliest punch of the day, otherwise not_yet before the absence cutoff and
// absent from it on.
func (s *Service) Daily(ctx context.Context, src DailySource) (DailyReport, error) {
	now := s.now().In(s.loc)
	report := DailyReport{Date: now.Format("2006-01-02"), Records: []DailyRecord{}}
	if WeekendDays[now.Weekday()] {
		report.Weekend = true
		return report, nil
	}

	students, err := src.ListStudents(ctx)
	if err != nil {
		return report, fmt.Errorf("list students: %w", err)
	}
	// Stored timestamps carry mixed offsets; their date prefix is within a day
	// of the UTC date, so filter broadly and check the local day after parsing.
	since := now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	events, err := src.MatchedEventsSince(ctx, since)
	if err != nil {
		return report, fmt.Errorf("list events: %w", err)
	}

	first := map[int64]time.Time{}
	for _, e := range events {
		if e.StudentID == nil || e.Status != StatusPresent {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			continue
		}
		local := ts.In(s.loc)
		if local.Format("2006-01-02") != report.Date {
			continue
		}
		if cur, ok := first[*e.StudentID]; !ok || local.Before(cur) {
			first[*e.StudentID] = local
		}
	}

	schedule, err := s.scheduleStart(ctx)
	if err != nil {
		return report, err
	}
	cutoff := s.AbsentCutoff(ctx, DefaultAbsentCutoff)
	pending := minutesOfDay(now.Format("15:04")) < minutesOfDay(cutoff)

	for _, st := range students {
		rec := DailyRecord{Student: st}
		switch ts, ok := first[st.ID]; {
		case ok:
			rec.Status = StatusPresent
			rec.LateMinutes = ComputeDelay(schedule, ts.Format("15:04"))
		case pending:
			rec.Status = StatusNotYet
		default:
			rec.Status = StatusAbsent
		}
		report.Records = append(report.Records, rec)
	}
	return report, nil
}
