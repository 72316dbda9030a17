package todo

import "time"

const (
	DefaultLimit   = 100
	TitleMaxLength = 200
)

// Todo is a single persisted task. ID, CreatedAt and UpdatedAt are assigned
// by the store.
type Todo struct {
	ID          string
	Title       string
	Description *string
	Completed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// New builds an unsaved Todo. A nil completed means false.
func New(title string, description *string, completed *bool) Todo {
	t := Todo{
		Title:       title,
		Description: cloneString(description),
	}
	if completed != nil {
		t.Completed = *completed
	}
	return t
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
