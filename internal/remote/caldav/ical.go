package caldav

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/dmitrijs2005/lifemanager/internal/models"
)

const (
	productID  = "lifemanager"
	dateLayout = "20060102"
)

// encode renders rec as a VCALENDAR holding one VEVENT or VTODO whose UID is
// the local id.
func encode(rec *models.Record, now time.Time) string {
	p := rec.Payload.Normalize()
	cal := ics.NewCalendarFor(productID)

	switch rec.Kind {
	case models.KindTask:
		todo := cal.AddTodo(rec.LocalID)
		todo.SetDtStampTime(now)
		todo.SetSummary(p.Title)
		if p.Description != "" {
			todo.SetDescription(p.Description)
		}
		if !p.Due.IsZero() {
			todo.SetDueAt(p.Due)
		}
		if p.Completed {
			todo.SetStatus(ics.ObjectStatusCompleted)
			todo.SetCompletedAt(now)
		} else {
			todo.SetStatus(ics.ObjectStatusNeedsAction)
		}
	default:
		ev := cal.AddEvent(rec.LocalID)
		ev.SetDtStampTime(now)
		ev.SetSummary(p.Title)
		if p.Description != "" {
			ev.SetDescription(p.Description)
		}
		end := rec.EffectiveEnd()
		if p.AllDay {
			ev.SetAllDayStartAt(p.Start)
			ev.SetAllDayEndAt(end.UTC())
		} else {
			ev.SetStartAt(p.Start)
			ev.SetEndAt(end)
		}
	}
	return cal.Serialize()
}

type decoded struct {
	uid     string
	kind    models.Kind
	payload models.Payload
}

func decode(data string) (decoded, error) {
	cal, err := ics.ParseCalendar(strings.NewReader(data))
	if err != nil {
		return decoded{}, fmt.Errorf("failed to parse calendar data: %w", err)
	}

	if events := cal.Events(); len(events) > 0 {
		ev := events[0]
		d := decoded{uid: ev.Id(), kind: models.KindEvent}
		d.payload.Title = text(&ev.ComponentBase, ics.ComponentPropertySummary)
		d.payload.Description = text(&ev.ComponentBase, ics.ComponentPropertyDescription)

		start := ev.GetProperty(ics.ComponentPropertyDtStart)
		if start == nil {
			return decoded{}, errors.New("event has no DTSTART")
		}
		if isDate(start) {
			d.payload.AllDay = true
			if d.payload.Start, err = time.Parse(dateLayout, start.Value); err != nil {
				return decoded{}, err
			}
			if end := ev.GetProperty(ics.ComponentPropertyDtEnd); end != nil {
				if d.payload.End, err = time.Parse(dateLayout, end.Value); err != nil {
					return decoded{}, err
				}
			}
		} else {
			if d.payload.Start, err = ev.GetStartAt(); err != nil {
				return decoded{}, err
			}
			if ev.HasProperty(ics.ComponentPropertyDtEnd) {
				if d.payload.End, err = ev.GetEndAt(); err != nil {
					return decoded{}, err
				}
			}
		}
		d.payload = finish(d.payload)
		return d, nil
	}

	if todos := cal.Todos(); len(todos) > 0 {
		todo := todos[0]
		d := decoded{uid: todo.Id(), kind: models.KindTask}
		d.payload.Title = text(&todo.ComponentBase, ics.ComponentPropertySummary)
		d.payload.Description = text(&todo.ComponentBase, ics.ComponentPropertyDescription)

		if due := todo.GetProperty(ics.ComponentPropertyDue); due != nil {
			if isDate(due) {
				d.payload.Due, err = time.Parse(dateLayout, due.Value)
			} else {
				d.payload.Due, err = todo.GetDueAt()
			}
			if err != nil {
				return decoded{}, err
			}
		}
		status := text(&todo.ComponentBase, ics.ComponentPropertyStatus)
		d.payload.Completed = strings.EqualFold(status, string(ics.ObjectStatusCompleted)) ||
			todo.HasProperty(ics.ComponentPropertyCompleted)
		d.payload = finish(d.payload)
		return d, nil
	}

	return decoded{}, errors.New("calendar data holds no event or task")
}

func finish(p models.Payload) models.Payload {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = models.UntitledTitle
	}
	return p.Normalize()
}

func text(c *ics.ComponentBase, prop ics.ComponentProperty) string {
	if p := c.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

func isDate(p *ics.IANAProperty) bool {
	if v := p.ICalParameters[string(ics.ParameterValue)]; len(v) > 0 {
		return strings.EqualFold(v[0], string(ics.ValueDataTypeDate))
	}
	return len(p.Value) == len(dateLayout)
}
