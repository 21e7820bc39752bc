package feed

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/tidewell/reservesync/internal/classify"
	"github.com/tidewell/reservesync/internal/registry"
)

// ErrMissingColumns indicates a delimited export without the required header.
var ErrMissingColumns = errors.New("feed: delimited file missing required columns")

const localMarkerPrefix = "inbox:"

// LocalFileName extracts the watched-directory file name from a local feed
// marker. Remote URLs return false.
func LocalFileName(url string) (string, bool) {
	trimmed := strings.TrimSpace(url)
	if !strings.HasPrefix(strings.ToLower(trimmed), localMarkerPrefix) {
		return "", false
	}
	name := strings.TrimSpace(trimmed[len(localMarkerPrefix):])
	if name == "" {
		return "", false
	}
	return name, true
}

// requiredColumns must appear in the header row of a delimited export.
var requiredColumns = []string{"uid", "check_in", "check_out"}

// ParseDelimited parses a delimited export into one entry per row. Rows with
// unparseable dates or a blank uid are skipped with a warning.
func (p *Parser) ParseDelimited(content []byte, source registry.FeedSource) ([]Entry, ParseStats, error) {
	var stats ParseStats

	reader := csv.NewReader(bytes.NewReader(content))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, stats, fmt.Errorf("feed: delimited header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			return nil, stats, fmt.Errorf("%w: %s", ErrMissingColumns, required)
		}
	}

	var entries []Entry
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.logger.Warn("delimited row unreadable",
				zap.String("feed_id", source.FeedID), zap.Error(err))
			stats.SkippedInvalid++
			continue
		}
		stats.Events++

		cell := func(name string) string {
			idx, ok := columns[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		uid := cell("uid")
		if uid == "" {
			p.logger.Warn("delimited row without uid skipped", zap.String("feed_id", source.FeedID))
			stats.SkippedInvalid++
			continue
		}

		checkIn, err := NormalizeDate(cell("check_in"))
		if err != nil {
			p.logger.Warn("delimited check-in unparseable",
				zap.String("feed_id", source.FeedID),
				zap.String("uid", uid),
				zap.Error(err))
			stats.SkippedInvalid++
			continue
		}
		checkOut, err := NormalizeDate(cell("check_out"))
		if err != nil {
			p.logger.Warn("delimited check-out unparseable",
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

		summary := cell("summary")
		description := cell("description")
		rowText := strings.Join(row, " ")

		classified := classify.Classify(classify.Input{
			SourceURL:    source.URL,
			EventText:    fmt.Sprintf("%s\n%s\n%s\n%s", summary, description, uid, cell("type")),
			RawComponent: rowText,
			Document:     "",
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
