package calendar

import (
	"context"
	"time"

	appLog "homedash/internal/log"
	"homedash/internal/model"
	"homedash/internal/store"
)

// DocumentReader reads the dashboard document.
type DocumentReader interface {
	Read() (*store.Document, error)
}

// Service runs the aggregator against the configured sources.
type Service struct {
	docs        DocumentReader
	agg         *Aggregator
	horizonDays int
	now         func() time.Time
}

func NewService(docs DocumentReader, agg *Aggregator, horizonDays int) *Service {
	return &Service{
		docs:        docs,
		agg:         agg,
		horizonDays: horizonDays,
		now:         time.Now,
	}
}

// Window is the default aggregation window starting now.
func (s *Service) Window() model.Window {
	return model.DefaultWindow(s.now(), s.horizonDays)
}

// Events aggregates the configured sources over the default window. A
// document that cannot be read yields an empty list.
func (s *Service) Events(ctx context.Context) []model.CalendarEvent {
	doc, err := s.docs.Read()
	if err != nil {
		appLog.Error("calendar: failed to read dashboard document", err)
		return []model.CalendarEvent{}
	}
	return s.agg.Aggregate(ctx, doc.Sources(), s.Window())
}
