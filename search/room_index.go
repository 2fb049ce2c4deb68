package search

import (
	"context"
	"fmt"
	"log/slog"
	"room-relay/domain/event"
	"strings"
	"sync"

	"github.com/blugelabs/bluge"
)

const DefaultLimit = 20

const (
	fieldName        = "name"
	fieldDescription = "description"
)

// RoomIndex is a full text index over room names and descriptions.
// Secrets never reach it: only the public view is indexed.
type RoomIndex struct {
	mu     sync.Mutex
	log    *slog.Logger
	writer *bluge.Writer
}

// NewRoomIndex opens an index at path, or keeps it in memory when path is empty.
func NewRoomIndex(path string, log *slog.Logger) (*RoomIndex, error) {
	cfg := bluge.InMemoryOnlyConfig()
	if path != "" {
		cfg = bluge.DefaultConfig(path)
	}
	writer, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open bluge writer: %w", err)
	}
	return &RoomIndex{log: log, writer: writer}, nil
}

// Index adds or replaces the document of a room.
func (i *RoomIndex) Index(room event.RoomView) error {
	doc := bluge.NewDocument(room.ID).
		AddField(bluge.NewTextField(fieldName, room.Name)).
		AddField(bluge.NewTextField(fieldDescription, room.Description))

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("indexing room %s: %w", room.ID, err)
	}
	return nil
}

// Search returns the ids of matching rooms, best match first.
// Every term matches as a word or a word prefix; names weigh more than descriptions.
func (i *RoomIndex) Search(ctx context.Context, terms string, limit int) ([]string, error) {
	words := strings.Fields(strings.ToLower(terms))
	if len(words) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := bluge.NewBooleanQuery()
	for _, word := range words {
		query.AddMust(bluge.NewBooleanQuery().
			AddShould(bluge.NewMatchQuery(word).SetField(fieldName).SetBoost(2)).
			AddShould(bluge.NewPrefixQuery(word).SetField(fieldName).SetBoost(1.5)).
			AddShould(bluge.NewMatchQuery(word).SetField(fieldDescription)).
			AddShould(bluge.NewPrefixQuery(word).SetField(fieldDescription).SetBoost(0.5)).
			SetMinShould(1))
	}

	i.mu.Lock()
	reader, err := i.writer.Reader()
	i.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opening index reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	matches, err := reader.Search(ctx, bluge.NewTopNSearch(limit, query))
	if err != nil {
		return nil, err
	}
	var ids []string
	match, err := matches.Next()
	for err == nil && match != nil {
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				ids = append(ids, string(value))
				return false
			}
			return true
		})
		if err == nil {
			match, err = matches.Next()
		}
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (i *RoomIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.log.Info("Closing room index")
	return i.writer.Close()
}
