// Package domain contains entities without logic, just meta-data and
// conversion to/from store rows.
package domain

import (
	"errors"
	"fmt"
	"time"
)

const MaxTitleLen = 120

var (
	ErrTitleEmpty   = errors.New("room title empty")
	ErrTitleTooLong = errors.New("room title too long")
)

// Category classifies a room on the landing page.
type Category int

const (
	CategoryNone Category = iota
	CategoryDebate
	CategoryHotTakes
	CategoryChilling
	CategoryGeneral
)

func (c Category) String() string {
	switch c {
	case CategoryDebate:
		return "debate"
	case CategoryHotTakes:
		return "hot-takes"
	case CategoryChilling:
		return "chilling"
	case CategoryGeneral:
		return "general"
	default:
		return ""
	}
}

func ParseCategory(s string) (Category, error) {
	switch s {
	case "":
		return CategoryNone, nil
	case "debate":
		return CategoryDebate, nil
	case "hot-takes":
		return CategoryHotTakes, nil
	case "chilling":
		return CategoryChilling, nil
	case "general":
		return CategoryGeneral, nil
	default:
		return CategoryNone, fmt.Errorf("unknown category %q", s)
	}
}

type Room struct {
	ID                 string
	Title              string
	Description        string
	Category           Category
	ActiveParticipants int
	CreatedAt          time.Time
	SponsorUntil       *time.Time
}

// NewRoom validates title constraints; the store assigns the ID.
func NewRoom(title, description string, category Category) (Room, error) {
	if title == "" {
		return Room{}, ErrTitleEmpty
	}
	if len(title) > MaxTitleLen {
		return Room{}, ErrTitleTooLong
	}
	return Room{Title: title, Description: description, Category: category}, nil
}

// Sponsored reports whether the room carries an active sponsorship.
func (r Room) Sponsored(now time.Time) bool {
	return r.SponsorUntil != nil && r.SponsorUntil.After(now)
}

func (r Room) Columns() map[string]any {
	var sponsor any
	if r.SponsorUntil != nil {
		sponsor = *r.SponsorUntil
	}
	return map[string]any{
		"title":               r.Title,
		"description":         r.Description,
		"category":            r.Category.String(),
		"active_participants": r.ActiveParticipants,
		"created_at":          r.CreatedAt,
		"sponsor_until":       sponsor,
	}
}

func RoomFromRow(row map[string]any) (Room, error) {
	category, err := ParseCategory(rowString(row, "category"))
	if err != nil {
		return Room{}, err
	}
	return Room{
		ID:                 rowString(row, "id"),
		Title:              rowString(row, "title"),
		Description:        rowString(row, "description"),
		Category:           category,
		ActiveParticipants: rowInt(row, "active_participants"),
		CreatedAt:          rowTime(row, "created_at"),
		SponsorUntil:       rowTimePtr(row, "sponsor_until"),
	}, nil
}

func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowBool(row map[string]any, key string) bool {
	b, _ := row[key].(bool)
	return b
}

func rowInt(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func rowTime(row map[string]any, key string) time.Time {
	if t, ok := row[key].(time.Time); ok {
		return t
	}
	if s, ok := row[key].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func rowTimePtr(row map[string]any, key string) *time.Time {
	if row[key] == nil {
		return nil
	}
	t := rowTime(row, key)
	if t.IsZero() {
		return nil
	}
	return &t
}
