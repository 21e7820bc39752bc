package feed

import (
	"bytes"
	"fmt"
	"strings"

	ics "github.com/arran4/golang-ical"
	"go.uber.org/zap"

	"github.com/tidewell/reservesync/internal/classify"
	"github.com/tidewell/reservesync/internal/registry"
)

// eventSerialization folds serialized components the way the calendars
// themselves arrive, so keyword scans over the raw component see the same
// text shape as the wire format.
var eventSerialization = &ics.SerializationConfiguration{
	MaxLength:         75,
	PropertyMaxLength: 75,
	NewLine:           "\r\n",
}

// Parser turns raw feed content into normalized entries, applying the date
// window policy before classification.
type Parser struct {
	window Window
	logger *zap.Logger
}

// ParserConfig wires the dependencies of a parser.
type ParserConfig struct {
	Window Window
	Logger *zap.Logger
}

// NewParser returns a parser for one run's window.
func NewParser(cfg ParserConfig) *Parser {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{window: cfg.Window, logger: logger}
}

// ParseCalendar parses an iCal document into one entry per event component.
// Component-level problems skip the component with a warning; a document that
// fails to parse at all is a feed-level error, grouped with fetch failures.
func (p *Parser) ParseCalendar(content []byte, source registry.FeedSource) ([]Entry, ParseStats, error) {
	var stats ParseStats

	calendar, err := ics.ParseCalendar(bytes.NewReader(content))
	if err != nil {
		return nil, stats, fmt.Errorf("feed: calendar document: %w", err)
	}

	document := string(content)
	entries := make([]Entry, 0, len(calendar.Events()))

	for _, event := range calendar.Events() {
		stats.Events++

		uid := strings.TrimSpace(event.Id())
		if uid == "" {
			p.logger.Warn("event without uid skipped", zap.String("feed_id", source.FeedID))
			stats.SkippedInvalid++
			continue
		}

		checkIn, err := NormalizeDate(propertyValue(event, ics.ComponentPropertyDtStart))
		if err != nil {
			p.logger.Warn("event start date unparseable",
				zap.String("feed_id", source.FeedID),
				zap.String("uid", uid),
				zap.Error(err))
			stats.SkippedInvalid++
			continue
		}
		checkOut, err := NormalizeDate(propertyValue(event, ics.ComponentPropertyDtEnd))
		if err != nil {
			p.logger.Warn("event end date unparseable",
				zap.String("feed_id", source.FeedID),
				zap.String("uid", uid),
				zap.Error(err))
			stats.SkippedInvalid++
			continue
		}

		if !p.window.Admits(checkIn, checkOut) {
			stats.SkippedWindow++
			continue
		}

		summary := propertyValue(event, ics.ComponentPropertySummary)
		description := propertyValue(event, ics.ComponentPropertyDescription)

		classified := classify.Classify(classify.Input{
			SourceURL:    source.URL,
			EventText:    fmt.Sprintf("%s\n%s\n%s", summary, description, uid),
			RawComponent: event.Serialize(eventSerialization),
			Document:     document,
		})

		entries = append(entries, Entry{
			SourceUID:      uid,
			FeedID:         source.FeedID,
			PropertyID:     source.PropertyID,
			CheckIn:        checkIn,
			CheckOut:       checkOut,
			EntryType:      classified.EntryType,
			BlockSubtype:   classified.BlockSubtype,
			ServiceType:    classified.ServiceType,
			OriginPlatform: classified.OriginPlatform,
			Summary:        summary,
			Description:    description,
		})
		stats.Parsed++
	}

	return entries, stats, nil
}

func propertyValue(event *ics.VEvent, name ics.ComponentProperty) string {
	prop := event.GetProperty(name)
	if prop == nil {
		return ""
	}
	return strings.TrimSpace(prop.Value)
}
