package todo

// Field is an optional patch value. Set reports whether the caller supplied
// the field at all, which differs from supplying its zero value.
type Field[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

// Patch is a partial update. A Set Description with a nil Value clears it.
type Patch struct {
	Title       Field[string]
	Description Field[*string]
	Completed   Field[bool]
}

// Fields returns the names of the supplied fields in wire order.
func (p Patch) Fields() []string {
	fields := make([]string, 0, 3)
	if p.Title.Set {
		fields = append(fields, "title")
	}
	if p.Description.Set {
		fields = append(fields, "description")
	}
	if p.Completed.Set {
		fields = append(fields, "completed")
	}
	return fields
}

func (p Patch) Empty() bool {
	return !p.Title.Set && !p.Description.Set && !p.Completed.Set
}

// Merge applies the supplied fields of p to t. Server-assigned fields are
// never touched; refreshing UpdatedAt is the store's job.
func Merge(t Todo, p Patch) Todo {
	if p.Title.Set {
		t.Title = p.Title.Value
	}
	if p.Description.Set {
		t.Description = cloneString(p.Description.Value)
	}
	if p.Completed.Set {
		t.Completed = p.Completed.Value
	}
	return t
}
